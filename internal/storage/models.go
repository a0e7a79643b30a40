package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction categories carried by sale events and tier ladders.
const (
	CategorySale         = "sale"
	CategoryRegistration = "registration"
	CategoryBid          = "bid"
)

// Scheduler lifecycle states.
const (
	StateStopped      = "stopped"
	StateRunning      = "running"
	StateForceStopped = "force_stopped"
)

// Publish origins recorded on post records.
const (
	OriginAuto   = "auto"
	OriginManual = "manual"
)

// SaleEvent represents one ingested on-chain name sale. Rows are immutable
// after insert except for the posted marker.
type SaleEvent struct {
	ID          int64           `json:"id"`
	TxID        string          `json:"tx_id"`
	BlockHeight int64           `json:"block_height"`
	Category    string          `json:"category"`
	AssetName   string          `json:"name"`
	Buyer       string          `json:"buyer"`
	Seller      string          `json:"seller"`
	PriceETH    decimal.Decimal `json:"price_eth"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	TierName    string          `json:"tier"`
	OccurredAt  time.Time       `json:"occurred_at"`
	IngestedAt  time.Time       `json:"ingested_at"`
	Posted      bool            `json:"posted"`
}

// TierBand is one USD band of a category's tier ladder. MaxUSD nil marks the
// unbounded top band. MinNative is the ETH floor for automatic posting.
type TierBand struct {
	Category  string           `json:"category"`
	Index     int              `json:"index"`
	Name      string           `json:"name"`
	MinUSD    decimal.Decimal  `json:"min_usd"`
	MaxUSD    *decimal.Decimal `json:"max_usd,omitempty"`
	MinNative decimal.Decimal  `json:"min_native"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PostRecord captures one publish attempt for auditing and rate accounting.
type PostRecord struct {
	ID          int64     `json:"id"`
	SaleEventID int64     `json:"sale_event_id"`
	TxID        string    `json:"tx_id"`
	Success     bool      `json:"success"`
	ExternalID  *string   `json:"external_id,omitempty"`
	ErrorText   *string   `json:"error,omitempty"`
	Origin      string    `json:"origin"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// SchedulerState is the singleton poller state row.
type SchedulerState struct {
	State        string     `json:"state"`
	CursorHeight int64      `json:"cursor_height"`
	ErrorCount   int        `json:"error_count"`
	LastTickAt   *time.Time `json:"last_tick_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
