package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raka/chatpool/internal/config"
	"github.com/raka/chatpool/internal/logger"
	"github.com/raka/chatpool/internal/metrics"
	"github.com/raka/chatpool/pkg/driver"
	"github.com/raka/chatpool/pkg/pool"
	"github.com/raka/chatpool/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the chatpool service",
	Long: `Start the chatpool service in the foreground.
It warms up the session pool and serves the OpenAI-compatible API
until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logg.Close()
	zl := logg.GetZerolog()

	zl.Info().Str("version", version).Msg("Starting chatpool")

	m := metrics.NewMetrics()

	drv := driver.NewChatDriver(cfg.Browser, zl)
	defer drv.Close()

	p := pool.New(poolConfig(cfg.Pool), drv, m, zl)
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	watcher, err := config.NewWatcher(loader, zl, func(next *config.Config) {
		p.ApplyTuning(pool.Tuning{
			RotationThreshold: next.Pool.RotationThreshold,
			SessionMaxAge:     time.Duration(next.Pool.SessionMaxAge) * time.Second,
			QueueWarnAfter:    time.Duration(next.Pool.QueueWarnAfter) * time.Second,
		})
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config hot-reload disabled")
	} else {
		defer watcher.Stop()
	}

	srv, err := server.NewServer(server.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		ModelName: cfg.Server.ModelName,
	}, p, m, zl)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zl.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Stop(); err != nil {
		zl.Error().Err(err).Msg("Server shutdown failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		zl.Error().Err(err).Msg("Pool shutdown failed")
	}

	zl.Info().Msg("Chatpool stopped")
	return nil
}

// poolConfig converts the file representation (integer seconds) into the
// pool's duration-based config.
func poolConfig(pc config.PoolConfig) pool.Config {
	return pool.Config{
		MaxPoolSize:       pc.MaxPoolSize,
		MaxQueueSize:      pc.MaxQueueSize,
		RotationThreshold: pc.RotationThreshold,
		SessionMaxAge:     time.Duration(pc.SessionMaxAge) * time.Second,
		HealthInterval:    time.Duration(pc.HealthInterval) * time.Second,
		WarmupAttempts:    pc.WarmupAttempts,
		WarmupInterval:    time.Duration(pc.WarmupInterval) * time.Second,
		InjectTimeout:     time.Duration(pc.InjectTimeout) * time.Second,
		ExtractGrace:      time.Duration(pc.ExtractGrace) * time.Second,
		ProbeTimeout:      time.Duration(pc.ProbeTimeout) * time.Second,
		DefaultTimeout:    time.Duration(pc.DefaultTimeout) * time.Second,
		QueueWarnAfter:    time.Duration(pc.QueueWarnAfter) * time.Second,
	}
}
