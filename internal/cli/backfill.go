package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/app"
)

var (
	backfillFrom   int64
	backfillTo     int64
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest a historical block range without posting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom < 0 || backfillTo <= 0 {
			return fmt.Errorf("--from and --to must be provided")
		}
		if backfillTo <= backfillFrom {
			return fmt.Errorf("--from must be below --to")
		}

		opts := app.BackfillOptions{
			FromHeight: backfillFrom,
			ToHeight:   backfillTo,
			DryRun:     backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Int64Var(&backfillFrom, "from", 0, "Start block height (inclusive)")
	backfillCmd.Flags().Int64Var(&backfillTo, "to", 0, "End block height (exclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch and filter without writing to storage")
}
