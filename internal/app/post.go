package app

import (
	"context"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/publisher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/service"
)

// PostSale publishes one stored sale by transaction id. The attempt counts
// against the same rate-limit window as automatic posting.
func (a *App) PostSale(ctx context.Context, txID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	poster := a.newPoster()
	limiter := ratelimit.New(store, a.Config.RateLimit.MaxPosts, a.Config.RateLimit.Window)
	pub := publisher.New(limiter, poster, store, store, a.Logger)
	svc := service.New(a.Config, nil, nil, nil, store, a.newResolver(), pub, limiter, a.Logger)

	result, err := svc.PostSale(ctx, txID)
	if err != nil {
		return err
	}

	if result.Posted {
		a.Logger.Info().Str("tx_id", txID).Str("tweet_id", result.TweetID).Msg("sale posted")
		return nil
	}
	a.Logger.Warn().Str("tx_id", txID).Str("reason", result.Reason).Msg("post skipped")
	return nil
}
