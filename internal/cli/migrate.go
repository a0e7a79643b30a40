package cli

import (
	"github.com/spf13/cobra"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return storage.Migrate(getApp().Config.Database)
	},
}
