package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const simplePricePath = "/simple/price?ids=ethereum&vs_currencies=usd"

// RatesOptions parameterise the ETH/USD quote client.
type RatesOptions struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Rates serves a cached ETH/USD conversion rate. The quote source is public
// and coarse; one lookup per TTL is plenty for filling missing USD amounts.
type Rates struct {
	opts    RatesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
	now       func() time.Time
}

// NewRates constructs a rate fetcher.
func NewRates(opts RatesOptions, logger zerolog.Logger) *Rates {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	return &Rates{
		opts:    opts,
		logger:  logger.With().Str("component", "rates_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// EthUSD returns the cached rate when fresh, otherwise refreshes it.
func (r *Rates) EthUSD(ctx context.Context) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ttl := r.opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if !r.cached.IsZero() && r.now().Sub(r.fetchedAt) < ttl {
		return r.cached, nil
	}

	quote, err := r.fetchQuote(ctx)
	if err != nil {
		if !r.cached.IsZero() {
			r.logger.Warn().Err(err).Msg("rate refresh failed, serving stale quote")
			return r.cached, nil
		}
		return decimal.Decimal{}, err
	}

	r.cached = quote
	r.fetchedAt = r.now()
	return quote, nil
}

func (r *Rates) fetchQuote(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+simplePricePath, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(resp.StatusCode, payload)
		if resp.StatusCode >= http.StatusInternalServerError {
			return decimal.Decimal{}, &TransientError{Err: apiErr}
		}
		return decimal.Decimal{}, apiErr
	}

	var quote map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &quote); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode rate quote: %w", err)
	}

	usd, ok := quote["ethereum"]["usd"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("rate quote missing ethereum/usd")
	}

	value, err := decimal.NewFromString(usd.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse rate quote: %w", err)
	}
	if value.IsZero() || value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("rate quote out of range: %s", value)
	}
	return value, nil
}

var _ RateFetcher = (*Rates)(nil)
