package reactor

import "go.uber.org/zap"

// ReadCallback, WriteCallback and ErrorCallback are the named closures a
// Channel dispatches readiness into. Per the spec's §9 design note,
// override points are modeled as installed closures, never interfaces
// implemented via embedding/inheritance.
type (
	ReadCallback  func()
	WriteCallback func()
	ErrorCallback func()
)

// Tie is a non-owning reference a Channel holds to its logical owner
// (typically a *nettcp.Connection). Dispatch promotes it to a strong
// reference only for the duration of one dispatch, so a readiness
// notification that arrives after the owner has already been torn down is
// simply skipped instead of touching freed state. See spec §9 "Tie".
type Tie interface {
	// Alive reports whether the tied owner is still live. Implementations
	// typically check an atomic "closed" flag rather than relying on GC.
	Alive() bool
}

// Channel binds one file descriptor's readiness interest and callbacks to
// an EventLoop. It is owned by exactly one loop; the descriptor itself is
// owned elsewhere (the socket), matching spec §4.2.
type Channel struct {
	loop     *EventLoop
	fd       int
	interest InterestMask

	onRead  ReadCallback
	onWrite WriteCallback
	onError ErrorCallback

	tie Tie

	log *zap.Logger
}

// NewChannel constructs a Channel for fd, bound to loop. Callbacks must be
// installed via SetReadCallback/SetWriteCallback/SetErrorCallback before
// any interest is enabled (spec invariant).
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, log: loop.log}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.onRead = cb }
func (c *Channel) SetWriteCallback(cb WriteCallback) { c.onWrite = cb }
func (c *Channel) SetErrorCallback(cb ErrorCallback) { c.onError = cb }

// SetTie installs a non-owning liveness check consulted before every dispatch.
func (c *Channel) SetTie(t Tie) { c.tie = t }

// EnableReading arms read interest and (re)registers with the loop's poller.
func (c *Channel) EnableReading() { c.updateInterest(c.interest | InterestRead) }

// EnableWriting arms write interest.
func (c *Channel) EnableWriting() { c.updateInterest(c.interest | InterestWrite) }

// DisableWriting clears write interest, typically once the output buffer drains.
func (c *Channel) DisableWriting() { c.updateInterest(c.interest &^ InterestWrite) }

// DisableAll clears all interest, the step before Remove.
func (c *Channel) DisableAll() { c.updateInterest(InterestNone) }

// IsWriting reports whether write interest is currently armed.
func (c *Channel) IsWriting() bool { return c.interest&InterestWrite != 0 }

func (c *Channel) updateInterest(next InterestMask) {
	prev := c.interest
	c.interest = next
	c.loop.updateChannel(c, prev, next)
}

// Remove detaches the channel from its loop. The loop requires zero
// interest beforehand (spec invariant); callers should DisableAll first.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// dispatch runs the callback selected by rev, called only from the loop
// thread. It implements the tie-check / error / read / write ordering from
// spec §4.2.
func (c *Channel) dispatch(rev RevEvents) {
	if c.tie != nil && !c.tie.Alive() {
		if c.log != nil {
			c.log.Debug("channel dispatch skipped: owner gone", zap.Int("fd", c.fd))
		}
		return
	}
	if rev&RevError != 0 {
		if c.onError != nil {
			c.onError()
		}
		return
	}
	if rev&RevRead != 0 && c.onRead != nil {
		c.onRead()
	}
	if rev&RevWrite != 0 && c.onWrite != nil {
		c.onWrite()
	}
}
