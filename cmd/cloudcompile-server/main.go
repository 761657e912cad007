// Command cloudcompile-server runs the compile-and-execute service on the
// default port. CLI argument parsing is an explicit spec non-goal, so this
// entrypoint takes none: adjust server.Option values in code to customize
// a deployment.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kleedaisuki/cloudcompile/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	srv, err := server.NewServer(server.WithLogger(log))
	if err != nil {
		log.Fatal("failed to construct server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	srv.Stop()
}
