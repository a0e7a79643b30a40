package fetcher

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// SaleFetcher retrieves newly observed name sales from the market data API.
// The returned cursor is the highest block height seen, never below the input.
type SaleFetcher interface {
	FetchSalesSince(ctx context.Context, cursor int64) ([]storage.SaleEvent, int64, error)
}

// RateFetcher retrieves the current ETH/USD conversion rate.
type RateFetcher interface {
	EthUSD(ctx context.Context) (decimal.Decimal, error)
}

// TransientError wraps a fetch failure expected to clear on a later attempt:
// network faults and upstream 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient fetch error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
