//go:build linux

package server

import (
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kleedaisuki/cloudcompile/wire"
)

// startTestServer boots a Server bound to an ephemeral port under a
// per-test temp directory tree and returns a dialed client connection; the
// server stop and the connection close are registered with t.Cleanup.
func startTestServer(t *testing.T) net.Conn {
	t.Helper()
	dir := t.TempDir()

	srv, err := NewServer(
		WithListenPort(0),
		WithDirectories(dir+"/src", dir+"/out", dir+"/logs"),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	sa, err := srv.Addr()
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		frame, consumed, err := wire.Decode(buf)
		require.NoError(t, err)
		if frame != nil {
			_ = consumed
			return *frame
		}
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
	}
}

func TestServerHelloHandshake(t *testing.T) {
	conn := startTestServer(t)

	framed, err := wire.Package("Hello", []byte("Hello from client!"))
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	require.Equal(t, "Hello", resp.Tag)
	require.NotEmpty(t, resp.Payload)
}

func TestServerCompileExecuteSuccess(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not available")
	}
	conn := startTestServer(t)

	payload := append([]byte("hi.cpp"), 0)
	payload = append(payload, []byte("int main(){return 0;}")...)
	framed, err := wire.Package("compile-execute", payload)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	require.Equal(t, "compile-execute", resp.Tag)
	require.True(t, bytes.HasPrefix(resp.Payload, []byte("hi.cpp\x00--- stdout ---\n")))
}

func TestServerCompileFailureReportsError(t *testing.T) {
	if _, err := exec.LookPath("g++"); err != nil {
		t.Skip("g++ not available")
	}
	conn := startTestServer(t)

	payload := append([]byte("bad.cpp"), 0)
	payload = append(payload, []byte("int main(){return x;}")...)
	framed, err := wire.Package("compile-execute", payload)
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	require.Equal(t, "error-information", resp.Tag)
	require.Contains(t, string(resp.Payload), "x")
}

func TestServerOversizeFrameClosesConnection(t *testing.T) {
	conn := startTestServer(t)

	var raw []byte
	raw = append(raw, 3, 'B', 'I', 'G')
	raw = append(raw, 0xFF, 0xFF, 0xFF, 0xFF)
	raw = append(raw, make([]byte, 10)...)
	_, err := conn.Write(raw)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.True(t, n == 0 || err != nil, fmt.Sprintf("expected EOF/close, got n=%d err=%v", n, err))
}

func TestServerDefaultHandlerAnswersUnknownTag(t *testing.T) {
	conn := startTestServer(t)

	framed, err := wire.Package("totally-unknown", []byte("x"))
	require.NoError(t, err)
	_, err = conn.Write(framed)
	require.NoError(t, err)

	resp := readFrame(t, conn)
	require.Equal(t, "error-information", resp.Tag)
	require.Contains(t, string(resp.Payload), "totally-unknown")
}
