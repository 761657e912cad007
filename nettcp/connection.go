// Package nettcp implements the acceptor (C5) and TCP connection (C6)
// components: a non-blocking listening socket with the Reserved-FD
// degradation technique, and a per-connection state machine with framing,
// output buffering, high-water-mark backpressure and orderly/forced close.
// Socket setup is grounded on the teacher's internal/transport/
// transport_linux.go (non-blocking unix.Socket, SetsockoptInt); the
// connection/channel wiring follows reactor/channel.go and
// reactor/eventloop.go, which this package was built to sit directly on
// top of.
package nettcp

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kleedaisuki/cloudcompile/buffer"
	"github.com/kleedaisuki/cloudcompile/reactor"
	"github.com/kleedaisuki/cloudcompile/wire"
)

// State is the connection's position in its lifecycle state machine (spec §4.6).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// DefaultHighWaterMark is the output-buffer length threshold past which
// the high-water callback fires, per spec §3.
const DefaultHighWaterMark = 64 << 20

// ErrConnClosed names the closed-connection condition. Send and SendFrame
// do not return it: data sent once the connection has left Connected is
// dropped with a debug log.
var ErrConnClosed = errors.New("nettcp: connection is closed")

// MessageHandler implements the framing/dispatch algorithm of spec §4.6.
// It is invoked on the loop thread with the connection's input buffer
// after ReadFromFD appends newly-arrived bytes; implementations drain as
// many complete frames as are available and leave any trailing partial
// frame in place.
type MessageHandler func(conn *Connection, input *buffer.Buffer)

// Connection is a per-socket state machine. Exactly one Channel is bound
// to it; the Channel's Tie is satisfied by Connection itself (Alive checks
// the atomic state), so a readiness notification that outlives the
// connection's teardown is skipped rather than touching freed state.
type Connection struct {
	name string
	fd   int
	loop *reactor.EventLoop
	ch   *reactor.Channel
	log  *zap.Logger

	state int32 // State, atomic

	// input is touched only on the loop thread (handleRead and the
	// installed MessageHandler), per the invariant that frame assembly
	// never races with ReadFromFD.
	input *buffer.Buffer

	outputMu       sync.Mutex // guards output; Send may run off-loop before posting to the loop
	output         *buffer.Buffer
	highWaterMark  int

	onConnect      func(*Connection)
	onMessage      MessageHandler
	onWriteComplete func(*Connection)
	onHighWater    func(*Connection, int)
	onClose        func(*Connection)
}

// New constructs a Connection in StateConnecting for an already-accepted,
// non-blocking socket fd. Callbacks must be installed before
// ConnectEstablished (spec invariant: callbacks installed before any
// interest is enabled).
func New(name string, fd int, loop *reactor.EventLoop, log *zap.Logger) *Connection {
	c := &Connection{
		name:          name,
		fd:            fd,
		loop:          loop,
		log:           log,
		state:         int32(StateConnecting),
		input:         buffer.New(),
		output:        buffer.New(),
		highWaterMark: DefaultHighWaterMark,
	}
	c.ch = reactor.NewChannel(loop, fd)
	c.ch.SetTie(c)
	c.ch.SetReadCallback(c.handleRead)
	c.ch.SetWriteCallback(c.handleWrite)
	c.ch.SetErrorCallback(c.handleError)
	return c
}

func (c *Connection) Name() string { return c.name }
func (c *Connection) Fd() int      { return c.fd }
func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

// Alive implements reactor.Tie: a dispatch is only delivered while the
// connection has not yet reached Disconnected.
func (c *Connection) Alive() bool { return c.State() != StateDisconnected }

func (c *Connection) SetConnectionCallback(cb func(*Connection))        { c.onConnect = cb }
func (c *Connection) SetMessageHandler(cb MessageHandler)               { c.onMessage = cb }
func (c *Connection) SetWriteCompleteCallback(cb func(*Connection))     { c.onWriteComplete = cb }
func (c *Connection) SetHighWaterCallback(cb func(*Connection, int))    { c.onHighWater = cb }
func (c *Connection) SetCloseCallback(cb func(*Connection))             { c.onClose = cb }
func (c *Connection) SetHighWaterMark(n int)                            { c.highWaterMark = n }

// ConnectEstablished transitions Connecting -> Connected, enables reading,
// and fires the connect callback. Must run on the loop thread.
func (c *Connection) ConnectEstablished() {
	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.ch.EnableReading()
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

// ConnectDestroyed disables all interest, detaches the channel from the
// loop, and fires the close callback. Only after this may the last shared
// reference to the connection be dropped (spec §4.6 lifecycle).
func (c *Connection) ConnectDestroyed() {
	atomic.StoreInt32(&c.state, int32(StateDisconnected))
	c.ch.DisableAll()
	c.ch.Remove()
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) handleRead() {
	n, err := c.input.ReadFromFD(c.fd)
	if err != nil {
		c.log.Warn("read failed", zap.String("conn", c.name), zap.Error(err))
		c.forceCloseInLoop()
		return
	}
	if n == 0 {
		c.handleCloseInLoop()
		return
	}
	if c.onMessage != nil {
		c.onMessage(c, c.input)
	}
}

func (c *Connection) handleWrite() {
	if !c.ch.IsWriting() {
		return
	}
	c.outputMu.Lock()
	readable := c.output.Peek()
	n, werr := unix.Write(c.fd, readable)
	if n > 0 {
		c.output.Retrieve(n)
	}
	remaining := c.output.ReadableBytes()
	c.outputMu.Unlock()

	if werr != nil {
		if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
			return
		}
		c.log.Warn("write failed", zap.String("conn", c.name), zap.Error(werr))
		c.forceCloseInLoop()
		return
	}

	if remaining == 0 {
		c.ch.DisableWriting()
		if c.onWriteComplete != nil {
			c.onWriteComplete(c)
		}
		if c.State() == StateDisconnecting {
			_ = unix.Shutdown(c.fd, unix.SHUT_WR)
		}
	}
}

func (c *Connection) handleError() {
	c.log.Debug("channel error event", zap.String("conn", c.name))
	c.forceCloseInLoop()
}

func (c *Connection) handleCloseInLoop() {
	if c.State() == StateDisconnected {
		return
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnecting))
	c.ConnectDestroyed()
}

func (c *Connection) forceCloseInLoop() {
	if c.State() == StateDisconnected {
		return
	}
	atomic.StoreInt32(&c.state, int32(StateDisconnecting))
	c.ConnectDestroyed()
}

// ForceClose tears the connection down immediately, safe to call from any
// thread.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(c.forceCloseInLoop)
}

// Shutdown requests a graceful half-close: once the output buffer drains,
// the write half is shut down (spec §4.6 Disconnecting -> Disconnected).
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		if c.State() != StateConnected {
			return
		}
		atomic.StoreInt32(&c.state, int32(StateDisconnecting))
		if !c.ch.IsWriting() {
			_ = unix.Shutdown(c.fd, unix.SHUT_WR)
		}
	})
}

// Send queues data for transmission. Safe to call from any thread; off the
// loop thread it copies data and posts a closure, per spec §4.6.
func (c *Connection) Send(data []byte) {
	if c.loop.InLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

// SendFrame packages (tag, payload) and sends the result, the common path
// for handler responses.
func (c *Connection) SendFrame(tag string, payload []byte) error {
	framed, err := wire.Package(tag, payload)
	if err != nil {
		return err
	}
	c.Send(framed)
	return nil
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() != StateConnected {
		c.log.Debug("send on non-connected connection dropped", zap.String("conn", c.name), zap.Stringer("state", c.State()))
		return
	}

	written, forceClose := c.directWriteLocked(data)
	if forceClose {
		c.forceCloseInLoop()
		return
	}

	remainder := data[written:]
	if len(remainder) == 0 {
		return
	}

	c.outputMu.Lock()
	beforeLen := c.output.ReadableBytes()
	c.output.Append(remainder)
	afterLen := c.output.ReadableBytes()
	c.outputMu.Unlock()

	if beforeLen < c.highWaterMark && afterLen >= c.highWaterMark && c.onHighWater != nil {
		hw := c.onHighWater
		c.loop.QueueInLoop(func() { hw(c, afterLen) })
	}

	if !c.ch.IsWriting() {
		c.ch.EnableWriting()
	}
}

// directWriteLocked attempts the opportunistic non-blocking write spec
// §4.6 step 2 describes, only when the output buffer is currently empty
// and the channel isn't already mid-drain. It returns the number of bytes
// written and whether the caller must force-close the connection
// (EPIPE/ECONNRESET).
func (c *Connection) directWriteLocked(data []byte) (written int, forceClose bool) {
	c.outputMu.Lock()
	canWriteDirect := c.output.ReadableBytes() == 0 && !c.ch.IsWriting()
	c.outputMu.Unlock()
	if !canWriteDirect {
		return 0, false
	}

	n, werr := unix.Write(c.fd, data)
	if werr == nil {
		return n, false
	}
	if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
		return 0, false
	}
	if werr == unix.EPIPE || werr == unix.ECONNRESET {
		return 0, true
	}
	c.log.Warn("direct write failed", zap.String("conn", c.name), zap.Error(werr))
	return 0, false
}
