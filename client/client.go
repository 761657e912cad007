// Package client provides a TCP client speaking the same
// length-prefixed tagged framing protocol as package server. Its lifecycle
// shape — Config, ConnEventHandler callbacks, an attempt-counted dial-retry
// loop, a recv loop dispatching decoded frames to per-tag handlers — is
// grounded on the teacher's client/client.go WebSocketClient, stripped of
// the RFC6455 handshake and zero-copy NUMA buffer pool (this protocol has
// no handshake and the frame payloads are plain byte slices).
package client

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kleedaisuki/cloudcompile/wire"
)

// ConnEventHandler carries the client's lifecycle callbacks, mirroring the
// teacher's ConnEventHandler interface.
type ConnEventHandler interface {
	OnConnect()
	OnClose()
	OnError(err error)
}

// TagHandler is the client-side handler contract: simpler than the
// server's, per spec §3 ("On the client the handler is simpler:
// (payload-bytes) -> ()").
type TagHandler func(payload []byte)

// Config holds client connection parameters.
type Config struct {
	Addr         string        // host:port to dial
	ReadTimeout  time.Duration // 0 disables read deadlines
	WriteTimeout time.Duration
	ReconnectMax int // 0 = no retries beyond the first attempt
	Log          *zap.Logger
}

// DefaultConfig mirrors the server's default port.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:3040",
		ReadTimeout:  0,
		WriteTimeout: 5 * time.Second,
		ReconnectMax: 0,
	}
}

// Client is a framed-protocol client. Only the initial dial is retried (up
// to ReconnectMax attempts); a connection that drops later is not dialed
// again. Exactly one recv loop goroutine runs per live connection;
// SendFrame is safe from any goroutine.
type Client struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	handlers map[string]TagHandler
	onEvent  []ConnEventHandler

	connected atomic.Bool
	closed    atomic.Bool
	closeCh   chan struct{}
	attempts  int
}

// NewClient constructs and connects a Client. It blocks until the initial
// dial succeeds or the reconnect budget is exhausted.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]TagHandler),
		closeCh:  make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// RegisterHandler installs the handler invoked for frames carrying tag.
func (c *Client) RegisterHandler(tag string, h TagHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[tag] = h
}

// RegisterEventHandler adds a lifecycle callback. If already connected,
// OnConnect fires immediately, matching the teacher's RegisterHandler.
func (c *Client) RegisterEventHandler(h ConnEventHandler) {
	c.mu.Lock()
	c.onEvent = append(c.onEvent, h)
	already := c.connected.Load()
	c.mu.Unlock()
	if already {
		go h.OnConnect()
	}
}

// SendFrame packages (tag, payload) and writes it to the live connection.
func (c *Client) SendFrame(tag string, payload []byte) error {
	framed, err := wire.Package(tag, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err = conn.Write(framed)
	return err
}

// Close shuts the client down; idempotent.
func (c *Client) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	c.closed.Store(true)
	close(c.closeCh)

	c.mu.Lock()
	conn := c.conn
	handlers := append([]ConnEventHandler(nil), c.onEvent...)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, h := range handlers {
		h.OnClose()
	}
	return nil
}

// connect dials, retrying with linear backoff up to ReconnectMax attempts
// (0 means a single attempt), then starts the recv loop.
func (c *Client) connect() error {
	var lastErr error
	for {
		if c.cfg.ReconnectMax == 0 && c.attempts > 0 {
			return lastErr
		}
		if c.cfg.ReconnectMax > 0 && c.attempts >= c.cfg.ReconnectMax {
			return fmt.Errorf("client: max reconnect attempts reached: %w", lastErr)
		}
		c.attempts++

		conn, err := net.Dial("tcp", c.cfg.Addr)
		if err != nil {
			lastErr = err
			if c.cfg.ReconnectMax > 0 {
				time.Sleep(time.Duration(c.attempts) * 100 * time.Millisecond)
				continue
			}
			return lastErr
		}

		c.mu.Lock()
		c.conn = conn
		handlers := append([]ConnEventHandler(nil), c.onEvent...)
		c.mu.Unlock()
		c.connected.Store(true)
		c.attempts = 0

		for _, h := range handlers {
			go h.OnConnect()
		}
		go c.recvLoop(conn)
		return nil
	}
}

// recvLoop reads the connection into an accumulation slice, decoding and
// dispatching complete frames to their registered handlers. Unregistered
// tags are dropped with a debug log — the client, unlike the server, has
// no default-handler fallback requirement.
func (c *Client) recvLoop(conn net.Conn) {
	var acc []byte
	chunk := make([]byte, 64*1024)

	for {
		if c.closed.Load() {
			return
		}
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		for {
			frame, consumed, err := wire.Decode(acc)
			if err != nil {
				c.log.Warn("client: framing error, closing connection", zap.Error(err))
				_ = c.Close()
				return
			}
			if frame == nil {
				break
			}
			c.dispatch(frame.Tag, frame.Payload)
			acc = acc[consumed:]
		}

		n, err := conn.Read(chunk)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				c.mu.Lock()
				handlers := append([]ConnEventHandler(nil), c.onEvent...)
				c.mu.Unlock()
				for _, h := range handlers {
					h.OnClose()
				}
				return
			}
			c.mu.Lock()
			handlers := append([]ConnEventHandler(nil), c.onEvent...)
			c.mu.Unlock()
			for _, h := range handlers {
				h.OnError(err)
			}
			return
		}
		acc = append(acc, chunk[:n]...)
	}
}

func (c *Client) dispatch(tag string, payload []byte) {
	c.mu.Lock()
	h, ok := c.handlers[tag]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("client: no handler for tag, dropping", zap.String("tag", tag))
		return
	}
	payloadCopy := append([]byte(nil), payload...)
	h(payloadCopy)
}
