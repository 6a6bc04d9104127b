package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronod/chronod/internal/config"
	"github.com/chronod/chronod/internal/engine"
	"github.com/chronod/chronod/internal/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler engine and gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.SetupLogging(cfg)

			eng := engine.New(cfg, logger)
			if err := eng.Start(); err != nil {
				return err
			}

			gw := gateway.New(cfg.GatewayAddr, cfg.GatewayToken, eng, logger)
			if err := gw.Start(); err != nil {
				eng.Stop(0)
				return err
			}

			// Config file edits adjust the log level without a restart.
			watchCtx, stopWatch := context.WithCancel(context.Background())
			defer stopWatch()
			if path := os.Getenv(config.EnvConfigPath); path != "" {
				go config.Watch(watchCtx, path, logger, func(next *config.Config) {
					if err := config.SetLogLevel(next.LogLevel); err != nil {
						logger.Warn("keeping previous log level", "error", err)
					}
				})
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			s := <-sig
			logger.Info("signal received, shutting down", "signal", s.String())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			gw.Shutdown(shutdownCtx)
			return eng.Stop(cfg.ShutdownTimeout())
		},
	}
}
