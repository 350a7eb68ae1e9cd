package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/procpool/procpool/internal/protocol"
	"github.com/procpool/procpool/pkg/procpool"
	"github.com/procpool/procpool/pkg/procpool/admin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pool and block until terminated",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := procpool.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := procpool.NewLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics := admin.NewMetrics()
	pool := procpool.NewPool(cfg.Pool, cfg.Worker.BinaryPath, logger, procpool.WithEventHooks(metrics.Hooks()))
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start pool: %w", err)
	}
	defer pool.Stop(context.Background())

	logger.InfoContext(ctx, "pool started", "pool_size", cfg.Pool.PoolSize, "work_dir", cfg.Pool.WorkDir)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Endpoint, cfg.Metrics.Path); err != nil {
				logger.ErrorContext(ctx, "metrics server exited with error", "error", err)
			}
		}()
	}

	if cfg.Admin.Enabled {
		var secret []byte
		if cfg.Admin.HMACSecret != "" {
			secret = []byte(cfg.Admin.HMACSecret)
		}
		adminSocket := filepath.Join(cfg.Pool.WorkDir, cfg.Admin.SocketName)
		adminSrv, err := admin.NewServer(adminSocket, secret, logger, func() protocol.MetricsSnapshot {
			return metrics.Snapshot(pool)
		}, cfg.Admin.MaxFrameSize)
		if err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer adminSrv.Close()

		go func() {
			if err := adminSrv.Serve(ctx); err != nil {
				logger.ErrorContext(ctx, "admin server exited with error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
