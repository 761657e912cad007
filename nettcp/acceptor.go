package nettcp

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kleedaisuki/cloudcompile/reactor"
)

// NewConnCallback is invoked once per accepted connection with the new
// descriptor and the peer's address.
type NewConnCallback func(fd int, peer unix.Sockaddr)

// Acceptor is the listening-socket component (C5): a non-blocking socket
// bound to INADDR_ANY:port, accepting in a loop until EWOULDBLOCK, guarded
// against descriptor exhaustion by the Reserved-FD technique (spec §4.5).
type Acceptor struct {
	fd  int
	ch  *reactor.Channel
	log *zap.Logger

	reservedFD int
	onNewConn  NewConnCallback
}

// NewAcceptor listens on port across all interfaces with SO_REUSEADDR and a
// SOMAXCONN backlog, matching the teacher's non-blocking-socket setup in
// internal/transport/transport_linux.go generalized from TCP_NODELAY-only
// to the acceptor's full bind/listen contract.
func NewAcceptor(loop *reactor.EventLoop, port int, log *zap.Logger) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("nettcp: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("nettcp: SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("nettcp: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("nettcp: listen: %w", err)
	}

	reserved, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("nettcp: open reserved fd: %w", err)
	}

	a := &Acceptor{fd: fd, reservedFD: reserved, log: log}
	a.ch = reactor.NewChannel(loop, fd)
	a.ch.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnCallback installs the callback invoked per accepted connection.
func (a *Acceptor) SetNewConnCallback(cb NewConnCallback) { a.onNewConn = cb }

// Addr returns the listening socket's bound address, useful when the
// acceptor was constructed with port 0 and the kernel chose an ephemeral
// port.
func (a *Acceptor) Addr() (unix.Sockaddr, error) { return unix.Getsockname(a.fd) }

// Listen arms read interest, after which incoming connections are
// dispatched to the installed callback.
func (a *Acceptor) Listen() { a.ch.EnableReading() }

// Close releases the listening socket, reserved descriptor and channel.
func (a *Acceptor) Close() error {
	a.ch.DisableAll()
	a.ch.Remove()
	_ = unix.Close(a.reservedFD)
	return unix.Close(a.fd)
}

func (a *Acceptor) handleRead() {
	for {
		connFD, peer, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.degradeUnderDescriptorPressure()
				return
			case unix.ECONNABORTED, unix.EINTR, unix.EPROTO:
				a.log.Debug("accept: ignorable error", zap.Error(err))
				continue
			default:
				a.log.Warn("accept failed", zap.Error(err))
				return
			}
		}

		if a.onNewConn == nil {
			a.log.Warn("no new-connection callback installed, dropping accepted fd")
			_ = unix.Close(connFD)
			continue
		}
		a.onNewConn(connFD, peer)
	}
}

// degradeUnderDescriptorPressure implements the Reserved-FD technique: free
// the one spare descriptor, accept-and-close the pending connection so the
// kernel drains it from the backlog, then reopen the spare (spec §4.5).
func (a *Acceptor) degradeUnderDescriptorPressure() {
	_ = unix.Close(a.reservedFD)

	fd, _, err := unix.Accept4(a.fd, unix.SOCK_CLOEXEC)
	if err == nil {
		_ = unix.Close(fd)
	}

	reserved, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		a.log.Error("failed to reopen reserved descriptor after EMFILE", zap.Error(err))
		a.reservedFD = -1
		return
	}
	a.reservedFD = reserved
	a.log.Warn("descriptor exhaustion: accepted and dropped one connection to relieve backlog")
}
