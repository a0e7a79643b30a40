package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var postTxID string

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Publish one stored sale by transaction id",
	RunE: func(cmd *cobra.Command, args []string) error {
		if postTxID == "" {
			return errors.New("--tx must be provided")
		}
		return getApp().PostSale(cmd.Context(), postTxID)
	},
}

func init() {
	postCmd.Flags().StringVar(&postTxID, "tx", "", "Transaction id of the stored sale")
}
