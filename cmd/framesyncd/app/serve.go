package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/framesync-dev/framesync/internal/app"
	"github.com/framesync-dev/framesync/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the framesync server",
	Long: `Start the framesync server exposing playback state, component statistics and
playback intents over HTTP.

A configuration file (--config) may tune the sync thresholds, asset cache,
instance pool and per-backend retry policies. Without one, compiled-in
defaults apply. See examples/ for sample configurations.`,
	RunE: runServe,
}

const defaultGracefulTimeout = 30 * time.Second

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	var loadOpts []config.Option
	if path := viper.GetString("config"); path != "" {
		loadOpts = append(loadOpts, config.WithConfigPath(path))
	}
	cfg, err := config.LoadConfig(loadOpts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("Starting framesync server",
		"address", address,
		"max_instances", cfg.MaxInstances,
		"drift_mode", cfg.Sync.DriftMode)

	application, err := app.NewApp(ctx,
		app.WithConfig(cfg),
		app.WithAddress(address),
	)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	return application.Stop(defaultGracefulTimeout)
}
