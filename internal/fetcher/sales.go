package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

const tradesPath = "/nft/%s/trades"

var weiPerEth = decimal.NewFromInt(1_000_000_000_000_000_000)

// SalesOptions parameterise the market data client.
type SalesOptions struct {
	BaseURL   string
	APIKey    string
	Chain     string
	Contract  string
	PageSize  int
	Timeout   time.Duration
	UserAgent string
	RPS       float64
	Burst     int
}

// Sales pulls name trades from the indexer HTTP API. Outbound requests are
// throttled client-side to stay inside the provider's plan limits.
type Sales struct {
	opts     SalesOptions
	logger   zerolog.Logger
	client   *http.Client
	baseURL  string
	throttle *rate.Limiter
}

// NewSales constructs a sales fetcher.
func NewSales(opts SalesOptions, logger zerolog.Logger) *Sales {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://deep-index.moralis.io/api/v2.2"
	}

	rps := opts.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Sales{
		opts:     opts,
		logger:   logger.With().Str("component", "sales_fetcher").Logger(),
		client:   &http.Client{Timeout: timeout},
		baseURL:  baseURL,
		throttle: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// FetchSalesSince pages through trades above the block cursor and returns the
// new cursor (highest block seen, never below the input).
func (s *Sales) FetchSalesSince(ctx context.Context, cursor int64) ([]storage.SaleEvent, int64, error) {
	if s.opts.APIKey == "" {
		return nil, 0, errors.New("market data api key not configured")
	}
	if s.opts.Contract == "" {
		return nil, 0, errors.New("collection contract not configured")
	}

	events := make([]storage.SaleEvent, 0, s.opts.PageSize)
	newCursor := cursor
	pageCursor := ""

	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, 0, err
		}

		page, err := s.fetchPage(ctx, cursor, pageCursor)
		if err != nil {
			return nil, 0, err
		}

		for _, raw := range page.Result {
			ev, convErr := raw.toSaleEvent()
			if convErr != nil {
				s.logger.Warn().Err(convErr).Str("tx", raw.TxHash).Msg("skip malformed trade")
				continue
			}
			if ev.BlockHeight <= cursor {
				continue
			}
			if ev.BlockHeight > newCursor {
				newCursor = ev.BlockHeight
			}
			events = append(events, ev)
		}

		if page.Cursor == "" {
			break
		}
		pageCursor = page.Cursor
	}

	return events, newCursor, nil
}

func (s *Sales) fetchPage(ctx context.Context, fromBlock int64, pageCursor string) (*tradesResponse, error) {
	endpoint := s.baseURL + fmt.Sprintf(tradesPath, s.opts.Contract)

	query := url.Values{}
	if s.opts.Chain != "" {
		query.Set("chain", s.opts.Chain)
	}
	if s.opts.PageSize > 0 {
		query.Set("limit", strconv.Itoa(s.opts.PageSize))
	}
	if fromBlock > 0 {
		query.Set("from_block", strconv.FormatInt(fromBlock+1, 10))
	}
	if pageCursor != "" {
		query.Set("cursor", pageCursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", s.opts.APIKey)
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(resp.StatusCode, payload)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &TransientError{Err: apiErr}
		}
		return nil, apiErr
	}

	var page tradesResponse
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decode trades page: %w", err)
	}
	return &page, nil
}

type tradesResponse struct {
	Result []tradeRecord `json:"result"`
	Cursor string        `json:"cursor"`
}

type tradeRecord struct {
	TxHash      string `json:"transaction_hash"`
	BlockNumber string `json:"block_number"`
	BlockTime   string `json:"block_timestamp"`
	Buyer       string `json:"buyer_address"`
	Seller      string `json:"seller_address"`
	TokenName   string `json:"token_name"`
	EventType   string `json:"event_type"`
	PriceWei    string `json:"price"`
	PriceUSD    string `json:"price_usd"`
}

func (t tradeRecord) toSaleEvent() (storage.SaleEvent, error) {
	if t.TxHash == "" {
		return storage.SaleEvent{}, errors.New("missing transaction hash")
	}

	height, err := strconv.ParseInt(t.BlockNumber, 10, 64)
	if err != nil {
		return storage.SaleEvent{}, fmt.Errorf("parse block number: %w", err)
	}

	wei, err := decimal.NewFromString(t.PriceWei)
	if err != nil {
		return storage.SaleEvent{}, fmt.Errorf("parse price: %w", err)
	}
	priceETH := wei.Div(weiPerEth)

	priceUSD := decimal.Zero
	if t.PriceUSD != "" {
		priceUSD, err = decimal.NewFromString(t.PriceUSD)
		if err != nil {
			return storage.SaleEvent{}, fmt.Errorf("parse usd price: %w", err)
		}
	}

	occurredAt := time.Time{}
	if t.BlockTime != "" {
		occurredAt, err = time.Parse(time.RFC3339, t.BlockTime)
		if err != nil {
			return storage.SaleEvent{}, fmt.Errorf("parse block timestamp: %w", err)
		}
	}

	return storage.SaleEvent{
		TxID:        t.TxHash,
		BlockHeight: height,
		Category:    categoryFromEventType(t.EventType),
		AssetName:   t.TokenName,
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		PriceETH:    priceETH,
		PriceUSD:    priceUSD,
		OccurredAt:  occurredAt,
	}, nil
}

func categoryFromEventType(eventType string) string {
	switch strings.ToLower(eventType) {
	case "registration", "mint":
		return storage.CategoryRegistration
	case "bid", "offer_accepted":
		return storage.CategoryBid
	default:
		return storage.CategorySale
	}
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("market data api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("market data api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("market data api error (%d)", status)
}

var _ SaleFetcher = (*Sales)(nil)
