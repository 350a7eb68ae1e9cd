// Command procworker is the worker IPC server spawned by the Pool
// Manager, one per worker handle. It is invoked as:
//
//	procworker <socketPath>
//
// and never writes to stdout; diagnostics go to stderr only.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/procpool/procpool/pkg/procpool"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: procworker <socketPath>")
		os.Exit(1)
	}
	socketPath := os.Args[1]

	procpool.ScrubGlobals()

	logger := procpool.NewLogger(procpool.LoggingConfig{Level: "info", Format: "json"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	registry := procpool.NewModuleRegistry()
	registerBuiltinModules(registry)

	srv := procpool.NewServer(registry, logger)
	if err := srv.Serve(ctx, socketPath); err != nil {
		logger.Error("worker server exited with error", "error", err)
		os.Exit(1)
	}
}
