package model

import "github.com/shopspring/decimal"

type WithdrawStatus string

const (
	WithdrawPending  WithdrawStatus = "pending"
	WithdrawOK       WithdrawStatus = "ok"
	WithdrawFailed   WithdrawStatus = "failed"
	WithdrawCanceled WithdrawStatus = "canceled"
)

func (s WithdrawStatus) IsTerminal() bool {
	return s == WithdrawOK || s == WithdrawFailed || s == WithdrawCanceled
}

// Withdrawal tracks an exchange-side withdrawal initiated by the reconciler
// to discharge an on-chain liability.
type Withdrawal struct {
	ExchangeWithdrawID string
	Exchange           string
	Currency           string
	Amount             decimal.Decimal
	Status             WithdrawStatus
}
