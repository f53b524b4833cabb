package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"newsdigest/internal/app"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var preview int
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and preview schedule firings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := app.Validate(cfg); err != nil {
				return fmt.Errorf("%s: %w", opts.configPath, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok (%d schedules)\n", opts.configPath, len(cfg.Schedules))
			if preview <= 0 || len(cfg.Schedules) == 0 {
				return nil
			}

			sched, err := app.PreviewScheduler(cfg)
			if err != nil {
				return err
			}
			for _, s := range cfg.Schedules {
				if !s.IsEnabled() {
					fmt.Fprintf(out, "  %s (%s): disabled\n", s.Name, s.Schedule)
					continue
				}
				next, err := sched.Preview(s.Schedule, preview)
				if err != nil {
					return fmt.Errorf("schedule %q: %w", s.Name, err)
				}
				fmt.Fprintf(out, "  %s (%s):\n", s.Name, s.Schedule)
				for _, t := range next {
					fmt.Fprintf(out, "    %s\n", t.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
	check.Flags().IntVar(&preview, "preview", 3, "next firing times to show per schedule")

	cmd.AddCommand(check)
	return cmd
}
