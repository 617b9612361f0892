package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"revkernel/cmd/revkernel/cmd"
	"revkernel/logger"
)

// main is the entry point of the revkernel demo host.
func main() {
	ctx := logger.WithComponentName(context.Background(), "main")

	// Flush buffered logs before exit; sync failures during shutdown are
	// expected on some platforms and not worth failing over.
	defer func() {
		_ = logger.Logger.Sync()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(ctx, "received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	cmd.Execute(ctx)
}
