package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/config"
	cronrunner "github.com/ethereumidentitykit/ens-market-bot-sub004/internal/cron"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/fetcher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/httpapi"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/identity"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/publisher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/scheduler"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/service"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.SaleFetcher, fetcher.RateFetcher) {
	sales := fetcher.NewSales(fetcher.SalesOptions{
		BaseURL:   a.Config.MarketData.BaseURL,
		APIKey:    a.Config.MarketData.APIKey,
		Chain:     a.Config.MarketData.Chain,
		Contract:  a.Config.MarketData.Contract,
		PageSize:  a.Config.MarketData.PageSize,
		Timeout:   a.Config.MarketData.RequestTimeout,
		UserAgent: a.Config.MarketData.UserAgent,
		RPS:       a.Config.MarketData.RateLimitRPS,
		Burst:     a.Config.MarketData.RateLimitBurst,
	}, a.Logger)

	rates := fetcher.NewRates(fetcher.RatesOptions{
		BaseURL:  a.Config.Rates.BaseURL,
		Timeout:  a.Config.Rates.RequestTimeout,
		CacheTTL: a.Config.Rates.CacheTTL,
	}, a.Logger)

	return sales, rates
}

func (a *App) newResolver() service.NameResolver {
	if a.Config.Ethereum.RPCURL == "" {
		return nil
	}
	return identity.New(identity.Options{
		RPCURL:          a.Config.Ethereum.RPCURL,
		RegistryAddress: a.Config.Ethereum.RegistryAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
		CacheSize:       a.Config.Ethereum.CacheSize,
	}, a.Logger)
}

func (a *App) newPoster() twitter.Poster {
	if !a.Config.Twitter.Enabled {
		return nil
	}
	if a.Config.Twitter.DryRun {
		return twitter.NewDryRunPoster(a.Logger)
	}
	return twitter.NewAPIClient(
		a.Config.Twitter.APIBase,
		a.Config.Twitter.UploadBase,
		a.Config.Twitter.BearerToken,
		10*time.Second,
		a.Logger,
	)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn 必须配置")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running bot: poller, admin API, and cron jobs.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(runCtx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	sales, rates := a.newFetchers()
	resolver := a.newResolver()
	poster := a.newPoster()
	if poster == nil {
		a.Logger.Warn().Msg("twitter disabled; sales will be ingested but never posted")
	}

	limiter := ratelimit.New(store, a.Config.RateLimit.MaxPosts, a.Config.RateLimit.Window)
	pub := publisher.New(limiter, poster, store, store, a.Logger)

	svc := service.New(a.Config, sched, sales, rates, store, resolver, pub, limiter, a.Logger)

	if a.Config.API.Enabled {
		api := httpapi.NewServer(a.Config.API, a.Config.App.Environment, svc, store, a.Logger)
		go func() {
			if err := api.Run(runCtx); err != nil {
				a.Logger.Error().Err(err).Msg("admin api terminated")
				cancel()
			}
		}()
	}

	if a.Config.Cron.Enabled {
		runner := cronrunner.New(a.Logger, runCtx)
		if _, err := runner.Add("daily-summary", a.Config.Cron.SummarySpec, svc.LogDailySummary); err != nil {
			return err
		}
		if a.Config.Cron.ChartSpec != "" {
			if _, err := runner.Add("chart-export", a.Config.Cron.ChartSpec, func(jobCtx context.Context) {
				if err := svc.ExportChart(jobCtx, a.Config.Cron.ChartDir); err != nil {
					a.Logger.Error().Err(err).Msg("chart export failed")
				}
			}); err != nil {
				return err
			}
		}
		runner.Start()
		defer runner.Stop()
	}

	a.Logger.Info().Str("build", version.String()).Msg("starting sale bot")
	err = svc.Run(runCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sale bot stopped")
	return nil
}

// ExportOptions hold parameters for exporting stored sales.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Posted *bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	FromHeight int64
	ToHeight   int64
	DryRun     bool
}

// SimulateOptions describe the synthetic sale to preview.
type SimulateOptions struct {
	Category string
	Name     string
	PriceETH float64
	PriceUSD float64
}
