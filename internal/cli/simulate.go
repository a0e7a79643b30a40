package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/app"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

var (
	simulateCategory string
	simulateName     string
	simulateETH      float64
	simulateUSD      float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-tweet",
	Short: "构造一笔虚拟成交并以 dry-run 方式预览推文",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateETH <= 0 || simulateUSD <= 0 {
			return errors.New("--eth 与 --usd 必须大于 0")
		}

		opts := app.SimulateOptions{
			Category: simulateCategory,
			Name:     simulateName,
			PriceETH: simulateETH,
			PriceUSD: simulateUSD,
		}
		return getApp().SimulateTweet(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCategory, "category", storage.CategorySale, "成交类别 (sale/registration/bid)")
	simulateCmd.Flags().StringVar(&simulateName, "name", "vitalik.eth", "域名")
	simulateCmd.Flags().Float64Var(&simulateETH, "eth", 0, "成交价 (ETH)")
	simulateCmd.Flags().Float64Var(&simulateUSD, "usd", 0, "成交价 (USD)")
}
