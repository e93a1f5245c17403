package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewPollCommand creates the one-shot confirmation poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Re-check every stored anchor that is not final yet",
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

			summary, err := c.ConfirmationService.PollStored(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
}
