package hub

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

// envelope is the hub wire frame. ID correlates a reply to its request;
// pushes carry a fresh id.
type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	msgCreateSubOrder = "create_sub_order"
	msgCancelSubOrder = "cancel_sub_order"
	msgCheckSubOrder  = "check_sub_order"
	msgStatusAccepted = "sub_order_status_accepted"
	msgSubOrderStatus = "sub_order_status"
	msgConnect        = "connect"
	msgBalances       = "balances"
	msgRegister       = "register"
)

type createSubOrderPayload struct {
	ID       int64           `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Exchange string          `json:"exchange"`
}

type subOrderIDPayload struct {
	ID int64 `json:"id"`
}

type statusAcceptedPayload struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type connectPayload struct {
	Address   string `json:"address"`
	Time      int64  `json:"time"`
	Signature string `json:"signature"`
}

// wireBlockchainOrder is the settleable order as the hub expects it.
type wireBlockchainOrder struct {
	ID              string `json:"id"`
	SenderAddress   string `json:"senderAddress"`
	MatcherAddress  string `json:"matcherAddress"`
	BaseAsset       string `json:"baseAsset"`
	QuoteAsset      string `json:"quoteAsset"`
	MatcherFeeAsset string `json:"matcherFeeAsset"`
	Amount          uint64 `json:"amount"`
	Price           uint64 `json:"price"`
	MatcherFee      uint64 `json:"matcherFee"`
	Nonce           uint64 `json:"nonce"`
	Expiration      uint64 `json:"expiration"`
	BuySide         uint8  `json:"buySide"`
	Signature       string `json:"signature"`
}

// wireSubOrderStatus reports status as null when the broker has never
// persisted the id (the hub may poll ids from before a restart).
type wireSubOrderStatus struct {
	ID              int64                `json:"id"`
	Status          *string              `json:"status"`
	FilledAmount    string               `json:"filledAmount"`
	BlockchainOrder *wireBlockchainOrder `json:"blockchainOrder,omitempty"`
}

func toWireStatus(st model.SubOrderStatusMsg) wireSubOrderStatus {
	out := wireSubOrderStatus{
		ID:           st.ID,
		FilledAmount: st.FilledAmount.String(),
	}
	if st.Status != "" {
		s := string(st.Status)
		out.Status = &s
	}
	if st.BlockchainOrder != nil {
		o := st.BlockchainOrder
		side := uint8(0)
		if o.BuySide {
			side = 1
		}
		out.BlockchainOrder = &wireBlockchainOrder{
			ID:              o.ID,
			SenderAddress:   o.Sender,
			MatcherAddress:  o.Matcher,
			BaseAsset:       o.BaseAsset,
			QuoteAsset:      o.QuoteAsset,
			MatcherFeeAsset: o.MatcherFeeAsset,
			Amount:          o.Amount,
			Price:           o.Price,
			MatcherFee:      o.MatcherFee,
			Nonce:           o.Nonce,
			Expiration:      o.Expiration,
			BuySide:         side,
			Signature:       o.Signature,
		}
	}
	return out
}

func parseSide(s string) (model.Side, error) {
	switch s {
	case "buy", "BUY":
		return model.SideBuy, nil
	case "sell", "SELL":
		return model.SideSell, nil
	default:
		return "", fmt.Errorf("hub: unknown side %q", s)
	}
}
