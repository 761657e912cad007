//go:build !linux

package reactor

import "errors"

// ErrUnsupported is returned on platforms without an epoll-equivalent
// backend wired in. The spec's reactor is Linux-first (matching the
// teacher's build-tag split across reactor_linux.go / reactor_windows.go /
// reactor_stub.go); a production rewrite would add a poller_windows.go
// (IOCP) or poller_darwin.go (kqueue) here following the same interface.
var ErrUnsupported = errors.New("reactor: no poller backend for this platform")

type stubPoller struct{}

func newPoller() (poller, error)                                         { return nil, ErrUnsupported }
func (stubPoller) add(int, InterestMask) error                           { return ErrUnsupported }
func (stubPoller) update(int, InterestMask) error                        { return ErrUnsupported }
func (stubPoller) remove(int) error                                      { return ErrUnsupported }
func (stubPoller) wait(int, []polledEvent) ([]polledEvent, error)        { return nil, ErrUnsupported }
func (stubPoller) close() error                                          { return ErrUnsupported }
func newWakeupFD() (int, error)                                          { return -1, ErrUnsupported }
func drainWakeupFD(int) error                                            { return ErrUnsupported }
func signalWakeupFD(int) error                                           { return ErrUnsupported }
func closeFD(int) error                                                  { return ErrUnsupported }
