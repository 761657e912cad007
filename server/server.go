package server

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kleedaisuki/cloudcompile/buffer"
	"github.com/kleedaisuki/cloudcompile/nettcp"
	"github.com/kleedaisuki/cloudcompile/pool"
	"github.com/kleedaisuki/cloudcompile/reactor"
	"github.com/kleedaisuki/cloudcompile/wire"
)

// ErrAlreadyRunning mirrors the teacher's server.go guard against a second
// Start call on a live Server.
var ErrAlreadyRunning = fmt.Errorf("server: already running")

// Server wires the acceptor, event loop, thread pool and subprocess
// orchestrator together (C5+C3+C4+C7, spec §2 "Server assembly"). Its
// shape — cfg, pool, a registry, a shutdown signal — follows the teacher's
// Server struct in server/server.go, generalized from the teacher's
// goroutine-per-connection accept loop to the reactor/Channel model the
// rest of this repository is built on.
type Server struct {
	cfg *Config
	log *zap.Logger

	loop      *reactor.EventLoop
	acceptor  *nettcp.Acceptor
	workers   *pool.Pool
	handlers  *handlerTable
	onDefault DefaultHandler

	registryMu sync.Mutex // registry is touched by the loop thread's onNewConn/onClose
	registry   map[string]*nettcp.Connection
	nextConnID uint64

	stampMu   sync.Mutex
	lastStamp int64

	running int32
	done    chan struct{}
}

// NewServer applies opts over DefaultConfig and constructs a Server ready
// for Start. It does not touch the filesystem or network yet.
func NewServer(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Log == nil {
		var err error
		if cfg.Debug {
			cfg.Log, err = zap.NewDevelopment()
		} else {
			cfg.Log, err = zap.NewProduction()
		}
		if err != nil {
			return nil, fmt.Errorf("server: default logger: %w", err)
		}
	}

	loop, err := reactor.NewEventLoop(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("server: event loop: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		log:       cfg.Log,
		loop:      loop,
		workers:   pool.New(cfg.poolSize()),
		handlers:  newHandlerTable(),
		onDefault: defaultHandler,
		registry:  make(map[string]*nettcp.Connection),
		done:      make(chan struct{}),
	}
	registerWellKnownHandlers(s.handlers)
	return s, nil
}

// Addr returns the acceptor's bound address, useful in tests that start a
// Server on port 0 and need the kernel-assigned ephemeral port.
func (s *Server) Addr() (unix.Sockaddr, error) { return s.acceptor.Addr() }

// RegisterHandler installs or overrides a tag handler. Safe to call before
// or after Start; the handler table's reader/writer lock makes installs
// safe concurrently with lookups from in-flight dispatches.
func (s *Server) RegisterHandler(tag string, h Handler) { s.handlers.register(tag, h) }

// ensureDirectories implements the filesystem contract (spec §6): source,
// output and log directories are created if missing before the server
// starts accepting connections (SPEC_FULL.md §10 item 4, "initialize").
func (s *Server) ensureDirectories() error {
	for _, dir := range []string{s.cfg.SourceDir, s.cfg.OutputDir, s.cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("server: create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Start ensures the working directories exist, runs the event loop on a
// dedicated goroutine, binds the acceptor, and begins accepting
// connections. Start returns once the acceptor is armed; the loop and
// acceptor continue running in the background until Stop.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrAlreadyRunning
	}
	if err := s.ensureDirectories(); err != nil {
		atomic.StoreInt32(&s.running, 0)
		return err
	}

	acc, err := nettcp.NewAcceptor(s.loop, s.cfg.Port, s.log)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("server: acceptor: %w", err)
	}
	acc.SetNewConnCallback(s.onNewConnection)
	s.acceptor = acc

	go func() {
		if err := s.loop.Run(); err != nil {
			s.log.Error("event loop exited with error", zap.Error(err))
		}
		close(s.done)
	}()
	s.loop.RunInLoop(acc.Listen)

	s.log.Info("server listening", zap.Int("port", s.cfg.Port))
	return nil
}

// Stop drains the thread pool, quits the event loop and waits for it to
// exit (SPEC_FULL.md §10 item 4, "finalize"). Stop is idempotent.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.workers.Close()
	if acc := s.acceptor; acc != nil {
		s.loop.RunInLoop(func() { _ = acc.Close() })
	}
	s.loop.Quit()
	<-s.done
	_ = s.loop.Close()
}

// onNewConnection is invoked on the loop thread by Acceptor for every
// accepted descriptor. It builds the Connection, registers it under a
// name combining peer address and a monotonic id (spec §3 "Server
// Registry"), and arms the framing/dispatch message handler.
func (s *Server) onNewConnection(fd int, peer unix.Sockaddr) {
	id := atomic.AddUint64(&s.nextConnID, 1)
	name := fmt.Sprintf("cloudcompile-%s-%d", formatPeer(peer), id)

	conn := nettcp.New(name, fd, s.loop, s.log)
	conn.SetHighWaterMark(s.cfg.HighWaterMark)
	conn.SetMessageHandler(s.onMessage)
	conn.SetCloseCallback(s.onConnectionClosed)

	s.registryMu.Lock()
	s.registry[name] = conn
	s.registryMu.Unlock()

	conn.ConnectEstablished()
}

func (s *Server) onConnectionClosed(conn *nettcp.Connection) {
	s.registryMu.Lock()
	delete(s.registry, conn.Name())
	s.registryMu.Unlock()
	_ = unix.Close(conn.Fd())
}

// onMessage implements the tagged-frame dispatch algorithm (spec §4.6): it
// drains as many complete frames as are buffered and, per frame, submits a
// thread-pool task that looks up and invokes the frame's handler off the
// loop thread. Payload bytes are copied before crossing to the worker
// since wire.Drain's view aliases the connection's input buffer.
func (s *Server) onMessage(conn *nettcp.Connection, input *buffer.Buffer) {
	err := wire.Drain(input, func(tag string, payload []byte) {
		tagCopy := tag
		payloadCopy := append([]byte(nil), payload...)
		priority := dispatchPriority(tagCopy)
		if err := s.workers.Submit(priority, func() {
			s.dispatch(conn, tagCopy, payloadCopy)
		}); err != nil {
			s.log.Warn("dispatch: pool rejected task", zap.String("tag", tagCopy), zap.Error(err))
		}
	})
	if err != nil {
		s.log.Debug("framing error, force-closing connection", zap.String("conn", conn.Name()), zap.Error(err))
		conn.ForceClose()
	}
}

// dispatch runs on a thread-pool worker, never the loop thread. A handler
// panic is recovered here and turned into an error-information frame; the
// connection itself is not closed (spec §7, "Handler exception").
func (s *Server) dispatch(conn *nettcp.Connection, tag string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", zap.String("tag", tag), zap.Any("recover", r))
			sendError(s, conn, fmt.Sprintf("internal error handling tag %q", tag))
		}
	}()

	if h, ok := s.handlers.lookup(tag); ok {
		h(s, conn, payload)
		return
	}
	s.onDefault(s, conn, tag, payload)
}

func formatPeer(peer unix.Sockaddr) string {
	if sa, ok := peer.(*unix.SockaddrInet4); ok {
		ip := sa.Addr
		return fmt.Sprintf("%d.%d.%d.%d:%d", ip[0], ip[1], ip[2], ip[3], sa.Port)
	}
	return "unknown"
}
