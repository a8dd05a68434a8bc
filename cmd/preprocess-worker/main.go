// cmd/preprocess-worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Helios-CCTV/preprocess-worker/internal/app"
	"github.com/Helios-CCTV/preprocess-worker/internal/config"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "preprocess-worker",
		Short:        "Фоновый воркер предобработки CCTV-фрагментов",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional, ENV otherwise)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.DevMode)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Logging.DevMode {
		cfg.Print()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Sugar().Infow("starting service",
		"service.name", cfg.ServiceName,
		"service.version", cfg.ServiceVersion,
	)

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Sugar().Errorw("application exited with error", "error", err)
		return err
	}

	log.Sugar().Infow("shutdown complete")
	return nil
}
