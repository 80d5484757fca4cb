// Package store provides durable keyed storage for sub-orders, trades,
// withdrawals and transactions. All operations must be safe under concurrent
// calls from the reconciler loops and the hub-inbound handlers.
package store

import (
	"context"
	"errors"

	"orion-broker/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the persistence contract. Implementations must be durable
// across restarts; SubOrder/Trade/Withdrawal/Transaction rows are never
// deleted, only inserted and updated.
type Store interface {
	InsertSubOrder(ctx context.Context, o *model.SubOrder) error
	UpdateSubOrder(ctx context.Context, o *model.SubOrder) error
	GetSubOrderByID(ctx context.Context, id int64) (*model.SubOrder, error)
	GetSubOrder(ctx context.Context, exchange, exchangeOrderID string) (*model.SubOrder, error)
	// GetOpenSubOrders returns sub-orders with status in {PREPARE, ACCEPTED}.
	GetOpenSubOrders(ctx context.Context) ([]*model.SubOrder, error)
	// GetSubOrdersToCheck returns sub-orders with status=ACCEPTED and a non-nil exchangeOrderId.
	GetSubOrdersToCheck(ctx context.Context) ([]*model.SubOrder, error)
	// GetSubOrdersToResend returns sub-orders with a terminal status not yet acknowledged by the hub.
	GetSubOrdersToResend(ctx context.Context) ([]*model.SubOrder, error)

	InsertTrade(ctx context.Context, t *model.Trade) error
	GetSubOrderTrades(ctx context.Context, exchange, exchangeOrderID string) ([]*model.Trade, error)

	InsertWithdraw(ctx context.Context, w *model.Withdrawal) error
	UpdateWithdrawStatus(ctx context.Context, exchangeWithdrawID string, status model.WithdrawStatus) error
	GetWithdrawsToCheck(ctx context.Context) ([]*model.Withdrawal, error)
	HasPendingWithdraw(ctx context.Context) (bool, error)

	InsertTransaction(ctx context.Context, t *model.Transaction) error
	UpdateTransactionStatus(ctx context.Context, hash string, status model.TxStatus) error
	GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error)
	HasPendingTransaction(ctx context.Context) (bool, error)
}
