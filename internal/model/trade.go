package model

import "github.com/shopspring/decimal"

type TradeStatus string

const (
	TradeFilled   TradeStatus = "FILLED"
	TradeCanceled TradeStatus = "CANCELED"
)

// Trade is the venue-terminal record of a sub-order's fill or cancellation.
// At most one exists per (Exchange, ExchangeOrderID).
type Trade struct {
	Exchange        string
	ExchangeOrderID string
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Status          TradeStatus
}
