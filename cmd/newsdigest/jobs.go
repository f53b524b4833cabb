package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"newsdigest/internal/storage"
	"newsdigest/internal/task/job"
	"newsdigest/internal/task/scheduler"
	logx "newsdigest/pkg/logx"
)

func jobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect stored jobs",
	}
	cmd.AddCommand(jobsListCmd(opts), jobsGetCmd(opts), jobsStatsCmd(opts))
	return cmd
}

func jobsListCmd(opts *rootOptions) *cobra.Command {
	var (
		status string
		typ    string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := job.AllStatuses
			if status != "" {
				s := job.Status(strings.ToLower(strings.TrimSpace(status)))
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				statuses = []job.Status{s}
			}

			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var jobs []*job.Job
			for _, s := range statuses {
				got, err := st.ListByStatus(cmd.Context(), s, storage.Filter{Type: typ, Limit: limit})
				if err != nil {
					return fmt.Errorf("list %s jobs: %w", s, err)
				}
				jobs = append(jobs, got...)
			}
			sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
			if limit > 0 && len(jobs) > limit {
				jobs = jobs[:limit]
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tNAME\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Type, j.Name, j.Status, j.Priority, j.Attempts, j.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed, cancelled, retrying)")
	cmd.Flags().StringVar(&typ, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func jobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			j, err := st.Find(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job %s: %w", args[0], err)
			}
			return writeJSON(cmd.OutOrStdout(), j)
		},
	}
}

func jobsStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		timeframe string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status and report the success rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := scheduler.ParseTimeframe(timeframe)
			if err != nil {
				return err
			}
			st, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			// An unstarted scheduler computes statistics straight from the store.
			sched, err := scheduler.New(scheduler.Config{}, nil, st, logx.Nop(), nil)
			if err != nil {
				return err
			}
			stats, err := sched.Statistics(cmd.Context(), tf)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}

			out := cmd.OutOrStdout()
			if tf > 0 {
				fmt.Fprintf(out, "Jobs created since %s\n", stats.Since.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "All stored jobs")
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, s := range job.AllStatuses {
				fmt.Fprintf(tw, "%s:\t%d\n", s, stats.Counts[s])
			}
			fmt.Fprintf(tw, "total:\t%d\n", stats.Total)
			fmt.Fprintf(tw, "success rate:\t%.1f%%\n", stats.SuccessRate)
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&timeframe, "timeframe", "day", "hour, day, week, month, all, Nd or a Go duration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
