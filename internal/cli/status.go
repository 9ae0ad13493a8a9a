package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/store"
)

// NewStatusCommand prints the last run of each job and the newest errors.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show last runs and recent errors from the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			return printStatus(ctx, cmd.OutOrStdout(), st, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "errors", "n", 10, "number of error log entries to show")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, st store.Store, limit int) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tLAST RUN\tSTATUS\tRECORDS\tCREATED\tADOPTED\tSKIPPED\tERRORS\tDURATION")
	for _, job := range []domain.JobType{domain.JobPublish, domain.JobReconcile} {
		meta, err := st.LastRun(ctx, job)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(tw, "%s\tnever\t-\t-\t-\t-\t-\t-\t-\n", job)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			job, meta.LastRunAt.Format(time.RFC3339), meta.LastRunStatus,
			meta.RecordsScraped, meta.EventsCreated, meta.EventsAdopted, meta.EventsSkipped, meta.ErrorsCount,
			meta.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	entries, err := st.RecentErrors(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "\nno recorded errors")
		return nil
	}
	fmt.Fprintf(out, "\nrecent errors (%d):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %-9s  %s\n", e.Timestamp.Format(time.RFC3339), e.JobType, e.Message)
	}
	return nil
}
