package hub

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

func TestWireStatusNullForUnknown(t *testing.T) {
	st := model.SubOrderStatusMsg{ID: 999, FilledAmount: decimal.Zero}
	b, err := json.Marshal(toWireStatus(st))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"status":null`) {
		t.Fatalf("unknown id must serialize a null status: %s", s)
	}
	if !strings.Contains(s, `"filledAmount":"0"`) {
		t.Fatalf("filledAmount must be a decimal string: %s", s)
	}
	if strings.Contains(s, "blockchainOrder") {
		t.Fatalf("blockchainOrder must be omitted when absent: %s", s)
	}
}

func TestWireStatusWithBlockchainOrder(t *testing.T) {
	st := model.SubOrderStatusMsg{
		ID:           1,
		Status:       model.StatusFilled,
		FilledAmount: decimal.RequireFromString("0.01"),
		BlockchainOrder: &model.BlockchainOrder{
			ID:      "0xdeadbeef",
			BuySide: true,
			Amount:  1_000_000,
		},
	}
	b, err := json.Marshal(toWireStatus(st))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"status":"FILLED"`) {
		t.Fatalf("status missing: %s", s)
	}
	if !strings.Contains(s, `"buySide":1`) {
		t.Fatalf("buySide must serialize as 1: %s", s)
	}
	if !strings.Contains(s, `"id":"0xdeadbeef"`) {
		t.Fatalf("order id missing: %s", s)
	}
}

func TestParseSide(t *testing.T) {
	cases := map[string]model.Side{
		"buy":  model.SideBuy,
		"BUY":  model.SideBuy,
		"sell": model.SideSell,
		"SELL": model.SideSell,
	}
	for raw, want := range cases {
		got, err := parseSide(raw)
		if err != nil || got != want {
			t.Errorf("parseSide(%q) = (%v, %v), want %v", raw, got, err, want)
		}
	}
	if _, err := parseSide("hold"); err == nil {
		t.Errorf("parseSide(hold) should fail")
	}
}

func TestCreatePayloadDecodesDecimalStrings(t *testing.T) {
	raw := `{"id":7,"symbol":"BTC-USDT","side":"buy","price":"10000","amount":"0.01","exchange":"binance"}`
	var p createSubOrderPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != 7 || !p.Price.Equal(decimal.RequireFromString("10000")) || !p.Amount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("payload = %+v", p)
	}
}
