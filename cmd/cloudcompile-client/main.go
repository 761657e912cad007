// Command cloudcompile-client is a minimal handshake probe against a
// running cloudcompile-server: it connects, sends a Hello frame, prints
// the response, and exits. It exists to exercise package client end to
// end; a full GUI front-end is out of scope (spec §1 Non-goals).
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kleedaisuki/cloudcompile/client"
)

func main() {
	addr := "127.0.0.1:3040"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	cfg := client.DefaultConfig()
	cfg.Addr = addr
	cfg.Log = zap.NewNop()

	cli, err := client.NewClient(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer cli.Close()

	done := make(chan struct{})
	cli.RegisterHandler("Hello", func(payload []byte) {
		fmt.Println(string(payload))
		close(done)
	})

	if err := cli.SendFrame("Hello", []byte("hello from cloudcompile-client")); err != nil {
		fmt.Fprintln(os.Stderr, "send failed:", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "timed out waiting for response")
		os.Exit(1)
	}
}
