package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Bool("watch", true, "Reload consumers and routes when the config file changes")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avagate",
		observability.String("version", version),
		observability.String("config", path),
		observability.Int("consumers", len(cfg.Consumers)),
		observability.Int("routes", len(cfg.Routes)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithVersion(version),
	}
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		opts = append(opts, gateway.WithConfigPath(path))
	}

	gw, err := gateway.New(ctx, cfg, opts...)
	if err != nil {
		logger.Error("failed to create gateway", observability.Error(err))
		return err
	}
	if err := gw.Start(ctx); err != nil {
		_ = gw.Close(context.Background())
		logger.Error("failed to start gateway", observability.Error(err))
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	// The signal context is already done; drain on a fresh one bounded by
	// the configured shutdown timeout.
	if err := gw.Stop(context.Background()); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
		return err
	}
	return nil
}
