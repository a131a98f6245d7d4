// Command ipcd runs the message broker daemon: a localhost TCP endpoint for
// instance-to-instance messaging plus an operational HTTP sidecar.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/ipcd/internal/broker"
	"github.com/adred-codev/ipcd/internal/config"
	"github.com/adred-codev/ipcd/internal/monitoring"
)

const samplerInterval = 15 * time.Second

func main() {
	debug := flag.Bool("debug", false, "force debug logging regardless of IPC_LOG_LEVEL")
	flag.Parse()

	// Bootstrap logger for configuration loading; replaced once the
	// effective level and format are known.
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "console"})

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	b, err := broker.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker")
	}
	defer b.Close()

	srv := broker.NewServer(cfg, b, logger)
	if err := srv.Listen(); err != nil {
		if broker.IsAddrInUse(err) {
			// Instances launch the daemon opportunistically, so a taken
			// port means a healthy broker is already serving. Not an error.
			logger.Info().Str("addr", cfg.Addr()).Msg("Broker already running, exiting")
			return
		}
		logger.Fatal().Err(err).Msg("Failed to bind wire endpoint")
	}
	go srv.Serve()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ops *http.Server
	if cfg.OpsAddr != "" {
		ops = broker.NewOpsServer(cfg.OpsAddr, b, logger)
		go func() {
			logger.Info().Str("addr", cfg.OpsAddr).Msg("Ops endpoint listening")
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Ops endpoint failed")
			}
		}()
	}

	sampler := monitoring.NewSystemSampler(logger, samplerInterval)
	go sampler.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	srv.Shutdown()
	if ops != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Ops endpoint shutdown failed")
		}
	}

	logger.Info().Msg("Broker stopped")
}
