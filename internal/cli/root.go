// Package cli implements the attestd command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"attest-backend/internal/app"
	"attest-backend/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command of attestd.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "attestd",
		Short: "Attestation receipts anchored on public chains",
		Long: `attestd stores two-party attestation receipts, anchors their
commitments on an EVM chain and tracks the anchors to finality.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default config.local.yaml or config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log.level from the config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewAdminCommand(opts))

	return cmd
}

// loadConfig reads the config file and builds the process logger.
func (o *RootOptions) loadConfig() (*config.Config, *logrus.Logger, error) {
	if err := config.LoadConfig(o.ConfigPath); err != nil {
		return nil, nil, err
	}
	cfg := config.AppConfig
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	logger := cfg.NewLogger()
	logrus.SetLevel(logger.GetLevel())
	return cfg, logger, nil
}

// container loads config and wires every service.
func (o *RootOptions) container(ctx context.Context) (*app.ServiceContainer, error) {
	cfg, logger, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := app.InitializeContainer(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	return c, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
