package app

import (
	"context"
	"errors"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/service"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// Backfill ingests a historical block range without posting anything.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.FromHeight < 0 || opts.ToHeight <= opts.FromHeight {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var store *storage.Store
	var svcStore service.Store

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		var closeStore func()
		var err error
		store, closeStore, err = a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		svcStore = store
	}

	sales, rates := a.newFetchers()

	svc := service.New(a.Config, nil, sales, rates, svcStore, nil, nil, nil, a.Logger)
	if !opts.DryRun {
		if err := svc.ReloadTiers(ctx); err != nil {
			return err
		}
	}

	res, err := svc.Backfill(ctx, opts.FromHeight, opts.ToHeight, opts.DryRun)
	if err != nil {
		a.Logger.Error().Err(err).Msg("回填失败")
		return err
	}

	a.Logger.Info().
		Int("fetched", res.Fetched).
		Int("inserted", res.Inserted).
		Int64("from", opts.FromHeight).
		Int64("to", opts.ToHeight).
		Msg("回填完成")
	return nil
}
