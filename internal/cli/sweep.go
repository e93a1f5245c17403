package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"attest-backend/internal/services"
)

// purger is implemented by stores that keep expired rows until removed.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// NewSweepCommand creates the one-shot sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var expire bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Process queued anchor jobs once and print the report",
		Long: `Run a single sweep over the anchor job queue, the same work the
timer does, and print the sweep report as JSON. Exits non-zero when
the sweep was aborted by a storage failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			c, err := rootOpts.container(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if expire {
				if _, err := c.ReceiptService.ExpireStale(ctx, time.Now()); err != nil {
					return err
				}
				if p, ok := c.Store.(purger); ok {
					n, err := p.PurgeExpired(ctx)
					if err != nil {
						return err
					}
					c.Logger.WithField("rows", n).Info("🧹 Purged expired KV entries")
				}
			}
			report := c.SweepService.Sweep(ctx, services.TriggerManual)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Error != "" {
				return fmt.Errorf("sweep aborted: %s", report.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&expire, "expire", true, "expire overdue receipts before sweeping")
	return cmd
}
