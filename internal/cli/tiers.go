package cli

import (
	"github.com/spf13/cobra"
)

var tiersCategory string

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Display the configured tier ladders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowTiers(cmd.Context(), tiersCategory)
	},
}

func init() {
	tiersCmd.Flags().StringVar(&tiersCategory, "category", "", "Limit output to one category")
}
