package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/config"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/fetcher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/identity"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ingest"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/publisher"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/scheduler"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/tiers"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
)

// Administrative transition errors.
var (
	ErrForceStopped = errors.New("scheduler is force-stopped; reset required")
	ErrSaleNotFound = errors.New("sale not found")
)

// Store bundles the persistence surfaces the service drives.
type Store interface {
	storage.SaleStore
	storage.TierStore
	storage.PostStore
	storage.StateStore
}

// NameResolver renders a display name for an on-chain address.
type NameResolver interface {
	DisplayName(ctx context.Context, addr string) string
}

// Service orchestrates fetching, filtering, persistence, and publishing.
type Service struct {
	scheduler *scheduler.Scheduler
	sales     fetcher.SaleFetcher
	rates     fetcher.RateFetcher
	store     Store
	resolver  NameResolver
	publisher *publisher.Publisher
	limiter   *ratelimit.Limiter
	logger    zerolog.Logger

	filter      ingest.Filter
	attachChart bool
	chartWindow time.Duration

	mu         sync.RWMutex
	classifier *tiers.Classifier

	locker  storage.AdvisoryLocker
	lockKey int64
	now     func() time.Time
}

// New constructs the bot service.
func New(cfg *config.Config, sched *scheduler.Scheduler, sales fetcher.SaleFetcher, rates fetcher.RateFetcher, store Store, resolver NameResolver, pub *publisher.Publisher, limiter *ratelimit.Limiter, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		sales:     sales,
		rates:     rates,
		store:     store,
		resolver:  resolver,
		publisher: pub,
		limiter:   limiter,
		logger:    logger.With().Str("component", "service").Logger(),
		filter: ingest.Filter{
			MinPriceETH:    decimal.NewFromFloat(cfg.Ingest.MinPriceETH),
			MinBlockHeight: cfg.Ingest.MinBlockHeight,
		},
		attachChart: cfg.Twitter.AttachChart,
		chartWindow: 7 * 24 * time.Hour,
		locker:      locker,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
		now:         time.Now,
	}
}

// Run loads the tier ladders and begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if err := s.ReloadTiers(ctx); err != nil {
		return err
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ReloadTiers rebuilds the classifier from the persisted bands. A malformed
// ladder surfaces as *tiers.ConfigurationError and leaves the previous
// classifier in place.
func (s *Service) ReloadTiers(ctx context.Context) error {
	bands, err := s.store.ListTierBands(ctx)
	if err != nil {
		return fmt.Errorf("load tier bands: %w", err)
	}
	classifier, err := tiers.NewClassifier(bands)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.classifier = classifier
	s.mu.Unlock()

	s.logger.Info().Int("bands", len(bands)).Msg("tier ladders loaded")
	return nil
}

func (s *Service) currentClassifier() *tiers.Classifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier
}

// ProcessTick 执行单个轮询周期的抓取、过滤和发布逻辑。
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, at)
}

func (s *Service) executeTick(ctx context.Context, at time.Time) error {
	state, err := s.store.GetSchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	if state.State != storage.StateRunning {
		s.logger.Debug().Str("state", state.State).Msg("scheduler not running, tick skipped")
		return nil
	}

	events, newCursor, err := s.sales.FetchSalesSince(ctx, state.CursorHeight)
	if err != nil {
		errText := err.Error()
		if saveErr := s.store.SaveSchedulerTick(ctx, state.CursorHeight, state.ErrorCount+1, at, &errText); saveErr != nil {
			s.logger.Error().Err(saveErr).Msg("failed to persist tick failure")
		}
		return fmt.Errorf("fetch sales: %w", err)
	}

	accepted, err := s.ingestBatch(ctx, events)
	if err != nil {
		errText := err.Error()
		if saveErr := s.store.SaveSchedulerTick(ctx, state.CursorHeight, state.ErrorCount, at, &errText); saveErr != nil {
			s.logger.Error().Err(saveErr).Msg("failed to persist tick failure")
		}
		return err
	}

	s.autoPost(ctx, accepted)

	// The cursor tracks the highest block height seen, regardless of how many
	// events were accepted or whether publishing succeeded.
	cursor := state.CursorHeight
	if newCursor > cursor {
		cursor = newCursor
	}
	if err := s.store.SaveSchedulerTick(ctx, cursor, 0, at, nil); err != nil {
		return fmt.Errorf("persist tick: %w", err)
	}

	s.logger.Info().Time("tick", at).
		Int("fetched", len(events)).
		Int("accepted", len(accepted)).
		Int64("cursor", cursor).
		Msg("tick complete")
	return nil
}

type acceptedSale struct {
	sale     storage.SaleEvent
	eligible bool
}

// ingestBatch filters a fetched batch against the store, classifies the
// survivors, persists them, and reports which cleared their auto-post floor.
func (s *Service) ingestBatch(ctx context.Context, events []storage.SaleEvent) ([]acceptedSale, error) {
	if len(events) == 0 {
		return nil, nil
	}

	txIDs := make([]string, 0, len(events))
	for _, ev := range events {
		txIDs = append(txIDs, ev.TxID)
	}
	seen, err := s.store.ExistingTxIDs(ctx, txIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup existing tx ids: %w", err)
	}

	fresh := s.filter.Apply(events, seen)
	if len(fresh) == 0 {
		return nil, nil
	}

	quote := s.quoteUSD(ctx, fresh)
	classifier := s.currentClassifier()

	eligibility := make(map[string]bool, len(fresh))
	for i := range fresh {
		ev := &fresh[i]
		if ev.PriceUSD.IsZero() && quote.IsPositive() {
			ev.PriceUSD = ev.PriceETH.Mul(quote)
		}
		if ev.IngestedAt.IsZero() {
			ev.IngestedAt = s.now().UTC()
		}
		if classifier == nil {
			continue
		}
		band, err := classifier.Classify(ev.Category, ev.PriceUSD)
		if err != nil {
			s.logger.Warn().Err(err).Str("tx_id", ev.TxID).Msg("tier classification failed")
			continue
		}
		ev.TierName = band.Name
		eligibility[ev.TxID] = tiers.Eligible(band, ev.PriceETH)
	}

	inserted, err := s.store.InsertSaleEvents(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("persist sale events: %w", err)
	}

	accepted := make([]acceptedSale, 0, len(inserted))
	for _, ev := range inserted {
		accepted = append(accepted, acceptedSale{sale: ev, eligible: eligibility[ev.TxID]})
	}
	return accepted, nil
}

// quoteUSD fetches one ETH/USD quote per batch, only when some event is
// missing its USD amount. Zero means unavailable.
func (s *Service) quoteUSD(ctx context.Context, events []storage.SaleEvent) decimal.Decimal {
	if s.rates == nil {
		return decimal.Zero
	}
	needed := false
	for _, ev := range events {
		if ev.PriceUSD.IsZero() {
			needed = true
			break
		}
	}
	if !needed {
		return decimal.Zero
	}

	quote, err := s.rates.EthUSD(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("eth/usd quote unavailable")
		return decimal.Zero
	}
	return quote
}

// autoPost publishes the eligible slice of a tick's accepted sales. Publish
// failures are logged and never retried; the cursor has already moved past
// the event.
func (s *Service) autoPost(ctx context.Context, accepted []acceptedSale) {
	if s.publisher == nil {
		return
	}
	for _, a := range accepted {
		if !a.eligible {
			continue
		}
		result, err := s.publisher.Publish(ctx, a.sale, s.composeMessage(ctx, a.sale), storage.OriginAuto)
		if err != nil {
			s.logger.Error().Err(err).Str("tx_id", a.sale.TxID).Msg("auto post failed")
			continue
		}
		if result.Skipped && result.Reason == publisher.ReasonRateLimited {
			// The window only fills further within a tick; no point asking again.
			s.logger.Info().Str("tx_id", a.sale.TxID).Msg("window exhausted, remaining sales skipped")
			return
		}
	}
}

// BackfillResult summarises one historical ingest run.
type BackfillResult struct {
	Fetched  int
	Inserted int
}

// Backfill ingests historical sales in [fromHeight, toHeight) without posting
// and without touching the scheduler cursor. Already stored transactions are
// deduplicated, so re-running a range is harmless.
func (s *Service) Backfill(ctx context.Context, fromHeight, toHeight int64, dryRun bool) (BackfillResult, error) {
	var res BackfillResult

	events, _, err := s.sales.FetchSalesSince(ctx, fromHeight-1)
	if err != nil {
		return res, fmt.Errorf("fetch sales: %w", err)
	}

	inRange := make([]storage.SaleEvent, 0, len(events))
	for _, ev := range events {
		if ev.BlockHeight >= toHeight {
			continue
		}
		inRange = append(inRange, ev)
	}
	res.Fetched = len(inRange)

	if dryRun {
		res.Inserted = len(s.filter.Apply(inRange, nil))
		return res, nil
	}

	accepted, err := s.ingestBatch(ctx, inRange)
	if err != nil {
		return res, err
	}
	res.Inserted = len(accepted)
	return res, nil
}

// composeMessage renders the tweet for a sale, resolving buyer and seller
// display names and attaching a price chart when configured.
func (s *Service) composeMessage(ctx context.Context, sale storage.SaleEvent) twitter.Message {
	tcx := twitter.TweetContext{
		Sale:       sale,
		TierName:   sale.TierName,
		BuyerName:  s.displayName(ctx, sale.Buyer),
		SellerName: s.displayName(ctx, sale.Seller),
	}
	msg := twitter.Message{Text: twitter.RenderText(tcx)}

	if s.attachChart {
		now := s.now().UTC()
		history, err := s.store.ListSalesBetween(ctx, now.Add(-s.chartWindow), now)
		if err != nil {
			s.logger.Debug().Err(err).Msg("chart history unavailable")
			return msg
		}
		png, err := twitter.BuildPriceChart(history)
		if err != nil {
			s.logger.Debug().Err(err).Msg("chart not rendered")
			return msg
		}
		msg.Image = png
	}
	return msg
}

func (s *Service) displayName(ctx context.Context, addr string) string {
	if addr == "" {
		return ""
	}
	if s.resolver != nil {
		return s.resolver.DisplayName(ctx, addr)
	}
	return identity.Shorten(addr)
}

// PostSale publishes one stored sale on demand. It contends for the same
// rate-limit window as automatic posting.
func (s *Service) PostSale(ctx context.Context, txID string) (publisher.Result, error) {
	sale, err := s.store.GetSaleByTxID(ctx, txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return publisher.Result{}, ErrSaleNotFound
		}
		return publisher.Result{}, fmt.Errorf("load sale %s: %w", txID, err)
	}
	if s.publisher == nil {
		return publisher.Result{Skipped: true, Reason: publisher.ReasonDisabled}, nil
	}
	return s.publisher.Publish(ctx, sale, s.composeMessage(ctx, sale), storage.OriginManual)
}

// Start moves the scheduler to running. A force-stopped scheduler rejects
// the transition until an explicit reset.
func (s *Service) Start(ctx context.Context) error {
	state, err := s.store.GetSchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	if state.State == storage.StateForceStopped {
		return ErrForceStopped
	}
	if state.State == storage.StateRunning {
		return nil
	}
	return s.store.SetSchedulerRunState(ctx, storage.StateRunning)
}

// Stop moves the scheduler to stopped, taking effect at a tick boundary.
func (s *Service) Stop(ctx context.Context) error {
	state, err := s.store.GetSchedulerState(ctx)
	if err != nil {
		return fmt.Errorf("load scheduler state: %w", err)
	}
	if state.State == storage.StateForceStopped {
		return ErrForceStopped
	}
	if state.State == storage.StateStopped {
		return nil
	}
	return s.store.SetSchedulerRunState(ctx, storage.StateStopped)
}

// ForceStop latches the scheduler off from any state.
func (s *Service) ForceStop(ctx context.Context) error {
	return s.store.SetSchedulerRunState(ctx, storage.StateForceStopped)
}

// Reset returns a force-stopped scheduler to stopped and clears the error
// counter. It is the only path out of force-stopped.
func (s *Service) Reset(ctx context.Context) error {
	return s.store.ResetScheduler(ctx)
}

// ResetErrors clears the consecutive fetch-error counter alone.
func (s *Service) ResetErrors(ctx context.Context) error {
	return s.store.ResetSchedulerErrors(ctx)
}

// SchedulerStatus reports the persisted scheduler state.
func (s *Service) SchedulerStatus(ctx context.Context) (storage.SchedulerState, error) {
	return s.store.GetSchedulerState(ctx)
}

// RateLimitStatus reports the posting window usage.
func (s *Service) RateLimitStatus(ctx context.Context) (ratelimit.Status, error) {
	if s.limiter == nil {
		return ratelimit.Status{}, fmt.Errorf("rate limiter not configured")
	}
	return s.limiter.Status(ctx)
}

// TierBands lists the persisted ladder, optionally for one category.
func (s *Service) TierBands(ctx context.Context, category string) ([]storage.TierBand, error) {
	bands, err := s.store.ListTierBands(ctx)
	if err != nil {
		return nil, err
	}
	if category == "" {
		return bands, nil
	}
	out := bands[:0:0]
	for _, band := range bands {
		if band.Category == category {
			out = append(out, band)
		}
	}
	return out, nil
}

// UpdateTiers validates and replaces one category's ladder, then rebuilds
// the classifier. Invalid ladders never reach the store.
func (s *Service) UpdateTiers(ctx context.Context, category string, bands []storage.TierBand) error {
	for i := range bands {
		bands[i].Category = category
		bands[i].Index = i
	}
	if err := tiers.ValidateLadder(category, bands); err != nil {
		return err
	}
	if err := s.store.ReplaceTierBands(ctx, category, bands); err != nil {
		return fmt.Errorf("replace tier bands: %w", err)
	}
	return s.ReloadTiers(ctx)
}

// RecentSales lists stored sales, newest first.
func (s *Service) RecentSales(ctx context.Context, limit int, posted *bool) ([]storage.SaleEvent, error) {
	return s.store.ListRecentSales(ctx, limit, posted)
}

// RecentPosts lists publish attempts, newest first.
func (s *Service) RecentPosts(ctx context.Context, limit int) ([]storage.PostRecord, error) {
	return s.store.ListRecentPosts(ctx, limit)
}

// Stats summarises the trailing 24 hours of activity.
type Stats struct {
	WindowStart    time.Time `json:"window_start"`
	SalesIngested  int64     `json:"sales_ingested"`
	PostsSucceeded int64     `json:"posts_succeeded"`
	PostsFailed    int64     `json:"posts_failed"`
}

// ActivityStats counts the trailing day of ingested sales and post attempts.
func (s *Service) ActivityStats(ctx context.Context) (Stats, error) {
	since := s.now().UTC().Add(-24 * time.Hour)

	sales, err := s.store.CountSalesSince(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("count sales: %w", err)
	}
	succeeded, err := s.store.CountSuccessfulPostsSince(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("count posts: %w", err)
	}
	failed, err := s.store.CountFailedPostsSince(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("count failed posts: %w", err)
	}

	return Stats{
		WindowStart:    since,
		SalesIngested:  sales,
		PostsSucceeded: succeeded,
		PostsFailed:    failed,
	}, nil
}

// LogDailySummary is the cron summary job.
func (s *Service) LogDailySummary(ctx context.Context) {
	stats, err := s.ActivityStats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("daily summary unavailable")
		return
	}
	state, err := s.store.GetSchedulerState(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("daily summary unavailable")
		return
	}

	s.logger.Info().
		Int64("sales_ingested", stats.SalesIngested).
		Int64("posts_succeeded", stats.PostsSucceeded).
		Int64("posts_failed", stats.PostsFailed).
		Str("scheduler_state", state.State).
		Int64("cursor", state.CursorHeight).
		Int("error_count", state.ErrorCount).
		Msg("daily activity summary")
}

// ExportChart renders the trailing week of sales to a dated PNG in dir. It
// backs the scheduled chart job.
func (s *Service) ExportChart(ctx context.Context, dir string) error {
	now := s.now().UTC()
	history, err := s.store.ListSalesBetween(ctx, now.Add(-s.chartWindow), now)
	if err != nil {
		return fmt.Errorf("load sales history: %w", err)
	}
	png, err := twitter.BuildPriceChart(history)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("ens-sales-%s.png", now.Format("20060102")))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return err
	}

	s.logger.Info().Str("path", path).Int("sales", len(history)).Msg("chart exported")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
