package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/tiers"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
)

// SimulateTweet 根据给定参数构造一笔虚拟成交并以 dry-run 方式预览推文。
// 不写入任何数据，也不占用发布额度。
func (a *App) SimulateTweet(ctx context.Context, opts SimulateOptions) error {
	switch opts.Category {
	case storage.CategorySale, storage.CategoryRegistration, storage.CategoryBid:
	default:
		return fmt.Errorf("unknown category %q", opts.Category)
	}
	if opts.Name == "" {
		return errors.New("--name 必须提供")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bands, err := store.ListTierBands(ctx)
	if err != nil {
		return err
	}
	classifier, err := tiers.NewClassifier(bands)
	if err != nil {
		return err
	}

	sale := storage.SaleEvent{
		TxID:       "0xsimulated",
		Category:   opts.Category,
		AssetName:  opts.Name,
		Buyer:      "0x1111111111111111111111111111111111111111",
		Seller:     "0x2222222222222222222222222222222222222222",
		PriceETH:   decimal.NewFromFloat(opts.PriceETH),
		PriceUSD:   decimal.NewFromFloat(opts.PriceUSD),
		OccurredAt: time.Now().UTC(),
	}

	band, err := classifier.Classify(sale.Category, sale.PriceUSD)
	if err != nil {
		return err
	}
	sale.TierName = band.Name

	text := twitter.RenderText(twitter.TweetContext{
		Sale:       sale,
		TierName:   sale.TierName,
		BuyerName:  sale.Buyer,
		SellerName: sale.Seller,
	})

	a.Logger.Info().
		Str("tier", band.Name).
		Bool("auto_post_eligible", tiers.Eligible(band, sale.PriceETH)).
		Msg("simulated classification")

	poster := twitter.NewDryRunPoster(a.Logger)
	_, err = poster.Post(ctx, twitter.Message{Text: text})
	return err
}
