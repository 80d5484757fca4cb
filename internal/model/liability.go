package model

import "github.com/shopspring/decimal"

// Liability is an on-chain reported debt of the broker to the settlement
// contract. Read-only from the broker's point of view.
type Liability struct {
	AssetName         string
	OutstandingAmount decimal.Decimal
	Timestamp         int64 // ms since epoch
}

// BlockchainOrder is the EIP-712 typed-data order signed off a trade so the
// aggregator can settle it on-chain.
type BlockchainOrder struct {
	ID              string // hashOrder(order), hex-prefixed
	Sender          string
	Matcher         string
	BaseAsset       string
	QuoteAsset      string
	MatcherFeeAsset string
	Amount          uint64 // base-unit (1e8) scaled
	Price           uint64 // base-unit (1e8) scaled
	MatcherFee      uint64
	Nonce           uint64
	Expiration      uint64 // ms since epoch
	BuySide         bool
	Signature       string // hex-prefixed EIP-712 signature
}
