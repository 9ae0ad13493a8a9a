package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/buskercal/internal/dispatch"
	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/jobs"
)

// NewRunCommand runs one job once in this process and prints its result.
func NewRunCommand(opts *RootOptions, job domain.JobType) *cobra.Command {
	short := map[domain.JobType]string{
		domain.JobPublish:   "Run one publish pass now",
		domain.JobReconcile: "Run one reconciliation pass now",
	}[job]
	return &cobra.Command{
		Use:   string(job),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			svc := jobs.NewService(dispatch.NewLocal(rt.executor, opts.logger), rt.store, opts.logger)
			defer svc.Close()
			res, err := svc.Trigger(ctx, job)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status == domain.RunFailed {
				return fmt.Errorf("%s run failed: %s", job, res.Error)
			}
			return nil
		},
	}
}
