package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id from its own
// stack trace header ("goroutine 123 [running]:"). Go deliberately exposes
// no public goroutine-local storage; this is the standard workaround used
// to approximate C++-style "assert we're on the owning thread" checks
// (the same technique backing third-party goid packages), used here for
// EventLoop's on-loop-goroutine checks (RunInLoop, InLoopThread, Quit),
// which Connection.Send relies on to choose between inline and posted
// sends.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if idx := bytes.IndexByte(b, ' '); idx >= 0 {
		b = b[:idx]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
