package model

import "github.com/shopspring/decimal"

type TxStatus string

const (
	TxPending TxStatus = "PENDING"
	TxOK      TxStatus = "OK"
	TxFail    TxStatus = "FAIL"
	TxNone    TxStatus = "NONE"
)

func (s TxStatus) IsTerminal() bool {
	return s == TxOK || s == TxFail
}

// Transaction is a broadcast on-chain write (deposit/withdraw/stake/approve).
type Transaction struct {
	TransactionHash string
	Method          string
	Asset           string
	Amount          decimal.Decimal
	CreateTime      int64 // ms since epoch
	Status          TxStatus
}
