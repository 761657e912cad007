package client

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kleedaisuki/cloudcompile/wire"
)

// fakeServer accepts one connection and echoes every frame it receives.
func fakeServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		var acc []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			acc = append(acc, buf[:n]...)
			for {
				frame, consumed, err := wire.Decode(acc)
				if err != nil || frame == nil {
					break
				}
				framed, _ := wire.Package(frame.Tag, frame.Payload)
				_, _ = conn.Write(framed)
				acc = acc[consumed:]
			}
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestClientSendReceivesEcho(t *testing.T) {
	addr, stop := fakeServer(t)
	defer stop()

	cli, err := NewClient(&Config{Addr: addr})
	require.NoError(t, err)
	defer cli.Close()

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	cli.RegisterHandler("Hello", func(payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
		close(done)
	})

	require.NoError(t, cli.SendFrame("Hello", []byte("hi there")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive echoed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hi there", string(got))
}

func TestClientCloseIsIdempotent(t *testing.T) {
	addr, stop := fakeServer(t)
	defer stop()

	cli, err := NewClient(&Config{Addr: addr})
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())
}

func TestClientUnregisteredTagIsDropped(t *testing.T) {
	addr, stop := fakeServer(t)
	defer stop()

	cli, err := NewClient(&Config{Addr: addr})
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.SendFrame("nobody-listens", []byte("x")))
	time.Sleep(50 * time.Millisecond) // no handler installed; must not panic or deadlock
}
