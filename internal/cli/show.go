package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/app"
)

var (
	showLimit  int
	showPosted string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently ingested sales",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		if showPosted != "" {
			posted, err := strconv.ParseBool(showPosted)
			if err != nil {
				return fmt.Errorf("invalid --posted value: %w", err)
			}
			opts.Posted = &posted
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of sales to display")
	showCmd.Flags().StringVar(&showPosted, "posted", "", "Filter by posted flag (true/false)")
}
