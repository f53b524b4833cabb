package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"newsdigest/internal/app"
	"newsdigest/internal/config"
	"newsdigest/internal/storage"
	logx "newsdigest/pkg/logx"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "newsdigest",
		Short:         "News digest job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")

	root.AddCommand(
		runCmd(opts),
		jobsCmd(opts),
		configCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", o.configPath, err)
	}
	return cfg, nil
}

// openStore opens the configured job store for offline inspection.
func (o *rootOptions) openStore(ctx context.Context) (storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(ctx, cfg, logx.NewConsole("warn"))
}
