package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a single (timestamp, price) sample for a token.
// Corresponds to price_history table in ClickHouse.
type PricePoint struct {
	TokenID   string          // token mint address
	Timestamp time.Time       // sample time (UTC, millisecond precision)
	Price     decimal.Decimal // quoted price
}
