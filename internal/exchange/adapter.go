// Package exchange defines the narrow per-venue adapter contract the broker
// core consumes, plus a generic REST implementation. The adapter papers over
// venue idiosyncrasies (pre-withdraw account transfers, misleading withdrawal
// statuses) so the engine and reconciler never see them.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

// ErrSubmit wraps any venue-reported rejection of an order placement. The
// engine moves the sub-order to REJECTED on it and never retries.
var ErrSubmit = errors.New("exchange: submit rejected")

// TradeCallback receives venue-terminal trades discovered by CheckSubOrders.
type TradeCallback func(ctx context.Context, t model.Trade)

type WithdrawLimit struct {
	Min decimal.Decimal
	Fee decimal.Decimal
}

type WithdrawStatusUpdate struct {
	ExchangeWithdrawID string
	Status             model.WithdrawStatus
}

// Adapter is the per-venue contract. Implementations must pass the sub-order
// id through as the venue clientOrderId so a replayed submit observes the
// same placement instead of creating a second order.
type Adapter interface {
	Name() string

	// SubmitSubOrder places the order and returns the venue-assigned order id.
	SubmitSubOrder(ctx context.Context, id int64, symbol string, side model.Side, amount, price decimal.Decimal) (string, error)

	// CancelSubOrder is advisory; the authoritative terminal status arrives
	// through CheckSubOrders.
	CancelSubOrder(ctx context.Context, o *model.SubOrder) error

	// GetBalances returns free balances filtered to currencies the chain
	// recognizes.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// CheckSubOrders polls the given ACCEPTED sub-orders and emits a Trade via
	// the registered callback for each that has reached FILLED or CANCELED
	// venue-side.
	CheckSubOrders(ctx context.Context, orders []*model.SubOrder) error

	SetTradeCallback(cb TradeCallback)

	HasWithdraw() bool
	GetWithdrawLimit(ctx context.Context, currency string) (WithdrawLimit, error)

	// Withdraw initiates an on-chain withdrawal to address. Venue errors are
	// swallowed and reported as ok=false; the liability loop retries later.
	Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (id string, ok bool)

	// CheckWithdraws returns updates only for withdrawals that have left
	// pending.
	CheckWithdraws(ctx context.Context, ws []*model.Withdrawal) ([]WithdrawStatusUpdate, error)
}
