package ingest

import (
	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// Filter screens fetched sales before persistence. It is a pure function of
// its inputs; the caller loads the seen set and stores the survivors.
type Filter struct {
	MinPriceETH    decimal.Decimal
	MinBlockHeight int64
}

// Apply returns, in input order, the events that are unseen by transaction id
// (against the store and within the batch) and clear both floors. An empty
// batch yields an empty result.
func (f Filter) Apply(events []storage.SaleEvent, seen map[string]struct{}) []storage.SaleEvent {
	accepted := make([]storage.SaleEvent, 0, len(events))
	inBatch := make(map[string]struct{}, len(events))

	for _, ev := range events {
		if _, dup := seen[ev.TxID]; dup {
			continue
		}
		if _, dup := inBatch[ev.TxID]; dup {
			continue
		}
		inBatch[ev.TxID] = struct{}{}

		if ev.BlockHeight < f.MinBlockHeight {
			continue
		}
		if ev.PriceETH.Cmp(f.MinPriceETH) < 0 {
			continue
		}
		accepted = append(accepted, ev)
	}
	return accepted
}
