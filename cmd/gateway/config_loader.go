package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// loadConfig reads and validates the file named by --config and applies
// the logging overrides.
func loadConfig(cmd *cobra.Command) (*config.GatewayConfig, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, path, fmt.Errorf("invalid configuration: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, path, nil
}

// initLogger builds the process logger and routes OpenTelemetry's internal
// diagnostics through it.
func initLogger(cfg observability.LogConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	otelLogger, err := observability.NewLogr(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	otel.SetLogger(otelLogger)

	return logger, nil
}
