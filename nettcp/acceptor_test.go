//go:build linux

package nettcp

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kleedaisuki/cloudcompile/reactor"
)

func TestAcceptorAcceptsLoopbackConnection(t *testing.T) {
	loop, err := reactor.NewEventLoop(zap.NewNop())
	require.NoError(t, err)
	go func() { _ = loop.Run() }()
	t.Cleanup(func() {
		loop.Quit()
		_ = loop.Close()
	})

	acc, err := NewAcceptor(loop, 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	sa, err := unix.Getsockname(acc.fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	accepted := make(chan int, 1)
	acc.SetNewConnCallback(func(fd int, peer unix.Sockaddr) {
		accepted <- fd
	})
	loop.RunInLoop(acc.Listen)

	cli, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer cli.Close()

	select {
	case fd := <-accepted:
		require.Greater(t, fd, 0)
		_ = unix.Close(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not accepted")
	}
}
