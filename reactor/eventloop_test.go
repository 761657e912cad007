//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLoop(t *testing.T) *EventLoop {
	t.Helper()
	loop, err := NewEventLoop(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

func TestQueueInLoopRunsOnLoopGoroutine(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	var ran int32
	go func() {
		loop.QueueInLoop(func() {
			if loop.InLoopThread() {
				atomic.StoreInt32(&ran, 1)
			}
			loop.Quit()
		})
	}()

	go func() {
		_ = loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not quit")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestClosuresPostedAfterQuitAreDiscarded(t *testing.T) {
	loop := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		_ = loop.Run()
		close(done)
	}()

	loop.QueueInLoop(func() { loop.Quit() })
	<-done

	var ran int32
	loop.QueueInLoop(func() { atomic.StoreInt32(&ran, 1) })
	time.Sleep(10 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestQueueInLoopOrdering(t *testing.T) {
	loop := newTestLoop(t)

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	go func() {
		_ = loop.Run()
		close(done)
	}()

	loop.QueueInLoop(record(1))
	loop.QueueInLoop(record(2))
	loop.QueueInLoop(func() {
		record(3)()
		loop.Quit()
	})

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order)
}
