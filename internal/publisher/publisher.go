package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/ratelimit"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/twitter"
)

// Skip reasons surfaced in Result.
const (
	ReasonDisabled    = "publishing_disabled"
	ReasonRateLimited = "rate_limited"
)

// PostLog persists one attempt record per publish attempt.
type PostLog interface {
	InsertPostRecord(ctx context.Context, record storage.PostRecord) (storage.PostRecord, error)
}

// SaleMarker flags a sale as posted after a successful publish.
type SaleMarker interface {
	MarkSalePosted(ctx context.Context, txID string) error
}

// Result describes the outcome of a publish attempt.
type Result struct {
	Posted  bool   `json:"posted"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	TweetID string `json:"tweet_id,omitempty"`
}

// Publisher serialises the check-attempt-record sequence so the
// rate-limit window can never be oversubscribed by concurrent callers.
type Publisher struct {
	limiter *ratelimit.Limiter
	poster  twitter.Poster
	posts   PostLog
	sales   SaleMarker
	logger  zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New constructs the publisher. A nil poster disables publishing.
func New(limiter *ratelimit.Limiter, poster twitter.Poster, posts PostLog, sales SaleMarker, logger zerolog.Logger) *Publisher {
	return &Publisher{
		limiter: limiter,
		poster:  poster,
		posts:   posts,
		sales:   sales,
		logger:  logger.With().Str("component", "publisher").Logger(),
		now:     time.Now,
	}
}

// Publish 在速率窗口允许时发布一条推文并落库记录。
// A failed attempt is recorded but consumes no window quota and is
// never retried here; re-posting is an explicit manual action.
func (p *Publisher) Publish(ctx context.Context, sale storage.SaleEvent, msg twitter.Message, origin string) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.poster == nil {
		return Result{Skipped: true, Reason: ReasonDisabled}, nil
	}

	allowed, err := p.limiter.CanPost(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("check rate limit: %w", err)
	}
	if !allowed {
		p.logger.Info().Str("tx_id", sale.TxID).Str("name", sale.AssetName).Msg("skip post, window exhausted")
		return Result{Skipped: true, Reason: ReasonRateLimited}, nil
	}

	record := storage.PostRecord{
		SaleEventID: sale.ID,
		TxID:        sale.TxID,
		Origin:      origin,
		AttemptedAt: p.now().UTC(),
	}

	tweetID, postErr := p.poster.Post(ctx, msg)
	if postErr != nil {
		errText := postErr.Error()
		record.Success = false
		record.ErrorText = &errText
		if _, err := p.posts.InsertPostRecord(ctx, record); err != nil {
			p.logger.Error().Err(err).Str("tx_id", sale.TxID).Msg("failed to persist failed attempt")
		}
		return Result{Reason: "publish_failed"}, fmt.Errorf("publish %s: %w", sale.TxID, postErr)
	}

	record.Success = true
	record.ExternalID = &tweetID
	if _, err := p.posts.InsertPostRecord(ctx, record); err != nil {
		p.logger.Error().Err(err).Str("tx_id", sale.TxID).Msg("failed to persist post record")
	}
	if p.sales != nil {
		if err := p.sales.MarkSalePosted(ctx, sale.TxID); err != nil {
			p.logger.Error().Err(err).Str("tx_id", sale.TxID).Msg("failed to mark sale posted")
		}
	}

	p.logger.Info().Str("tx_id", sale.TxID).
		Str("name", sale.AssetName).
		Str("tweet_id", tweetID).
		Str("origin", origin).
		Msg("sale posted")
	return Result{Posted: true, TweetID: tweetID}, nil
}

// Enabled reports whether a poster is wired.
func (p *Publisher) Enabled() bool {
	return p.poster != nil
}
