package model

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type SubOrderStatus string

const (
	StatusPrepare  SubOrderStatus = "PREPARE"
	StatusAccepted SubOrderStatus = "ACCEPTED"
	StatusFilled   SubOrderStatus = "FILLED"
	StatusCanceled SubOrderStatus = "CANCELED"
	StatusRejected SubOrderStatus = "REJECTED"
)

// IsTerminal reports whether status is one a sub-order can never leave,
// except for the single ACCEPTED->REJECTED hub override.
func (s SubOrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// SubOrder is the hub-assigned child order this broker places on a venue.
type SubOrder struct {
	ID              int64
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Exchange        string
	Timestamp       int64 // ms since epoch, assigned on insert
	Status          SubOrderStatus
	FilledAmount    decimal.Decimal
	ExchangeOrderID *string
	SentToAgg       bool
	// CancelRequested records a cancel-intent raised while the sub-order was
	// still PREPARE. It is persisted only; no code path issues a venue cancel
	// from it. See DESIGN.md "PREPARE cancellation".
	CancelRequested bool
}

// CreateSubOrderRequest is the hub's inbound create_sub_order message.
type CreateSubOrderRequest struct {
	ID       int64
	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Exchange string
}

// SubOrderStatusMsg is the wire shape pushed to the hub and echoed back by
// sub_order_status_accepted.
type SubOrderStatusMsg struct {
	ID              int64
	Status          SubOrderStatus
	FilledAmount    decimal.Decimal
	BlockchainOrder *BlockchainOrder
}
