package chain

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
	"orion-broker/internal/tokenregistry"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testRegistry(t *testing.T) *tokenregistry.Registry {
	t.Helper()
	r, err := tokenregistry.Parse(
		"BTC=0x0000000000000000000000000000000000000001:8," +
			"USDT=0xdAC17F958D2ee523a2206206994597C13D831ec7:6," +
			"ORN=0x0258F474786DdFd37ABCE6df6BBb1Dd5dfC4434a:8," +
			"ETH=0x0000000000000000000000000000000000000000:18")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	pk, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	s, err := NewSigner(pk, common.HexToAddress("0x1111111111111111111111111111111111111111"), 3, testRegistry(t))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func baseOrder() *model.BlockchainOrder {
	return &model.BlockchainOrder{
		Sender:          "0x2222222222222222222222222222222222222222",
		Matcher:         "0x1111111111111111111111111111111111111111",
		BaseAsset:       "0x0000000000000000000000000000000000000001",
		QuoteAsset:      "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		MatcherFeeAsset: "0x0258F474786DdFd37ABCE6df6BBb1Dd5dfC4434a",
		Amount:          1_000_000,
		Price:           1_000_000_000_000,
		MatcherFee:      0,
		Nonce:           1_600_000_000_000,
		Expiration:      1_600_000_000_000 + DefaultExpiration,
		BuySide:         true,
	}
}

func TestHashOrderDeterministic(t *testing.T) {
	o := baseOrder()
	h1 := HashOrder(o)
	h2 := HashOrder(o)
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "0x") || len(h1) != 66 {
		t.Fatalf("hash not a 32-byte hex digest: %s", h1)
	}
}

func TestHashOrderFieldSensitivity(t *testing.T) {
	base := HashOrder(baseOrder())

	mutations := map[string]func(*model.BlockchainOrder){
		"sender":     func(o *model.BlockchainOrder) { o.Sender = "0x3333333333333333333333333333333333333333" },
		"matcher":    func(o *model.BlockchainOrder) { o.Matcher = "0x3333333333333333333333333333333333333333" },
		"baseAsset":  func(o *model.BlockchainOrder) { o.BaseAsset = "0x0000000000000000000000000000000000000002" },
		"quoteAsset": func(o *model.BlockchainOrder) { o.QuoteAsset = "0x0000000000000000000000000000000000000002" },
		"feeAsset":   func(o *model.BlockchainOrder) { o.MatcherFeeAsset = "0x0000000000000000000000000000000000000002" },
		"amount":     func(o *model.BlockchainOrder) { o.Amount++ },
		"price":      func(o *model.BlockchainOrder) { o.Price++ },
		"matcherFee": func(o *model.BlockchainOrder) { o.MatcherFee = 1 },
		"nonce":      func(o *model.BlockchainOrder) { o.Nonce++ },
		"expiration": func(o *model.BlockchainOrder) { o.Expiration++ },
		"buySide":    func(o *model.BlockchainOrder) { o.BuySide = false },
	}
	for name, mutate := range mutations {
		o := baseOrder()
		mutate(o)
		if got := HashOrder(o); got == base {
			t.Errorf("mutating %s did not change the hash", name)
		}
	}
}

func TestSignTradeDeterministic(t *testing.T) {
	s := testSigner(t)
	eid := "e1"
	sub := &model.SubOrder{
		ID:              1,
		Symbol:          "BTC-USDT",
		Side:            model.SideBuy,
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Exchange:        "binance",
		Timestamp:       1_600_000_000_000,
		Status:          model.StatusFilled,
		ExchangeOrderID: &eid,
	}
	trade := &model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e1",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          model.TradeFilled,
	}

	o1, err := s.SignTrade(sub, trade)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	o2, err := s.SignTrade(sub, trade)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}

	if o1.ID != o2.ID || o1.Signature != o2.Signature {
		t.Fatalf("signing not deterministic:\n%s %s\n%s %s", o1.ID, o1.Signature, o2.ID, o2.Signature)
	}

	if o1.Amount != 1_000_000 {
		t.Errorf("amount = %d, want 1000000", o1.Amount)
	}
	if o1.Price != 1_000_000_000_000 {
		t.Errorf("price = %d, want 1000000000000", o1.Price)
	}
	if !o1.BuySide {
		t.Errorf("buySide = false, want true")
	}
	if o1.MatcherFee != 0 {
		t.Errorf("matcherFee = %d, want 0", o1.MatcherFee)
	}
	if o1.Expiration != uint64(sub.Timestamp)+DefaultExpiration {
		t.Errorf("expiration = %d, want %d", o1.Expiration, uint64(sub.Timestamp)+DefaultExpiration)
	}
	if o1.Sender != s.Address().Hex() {
		t.Errorf("sender = %s, want %s", o1.Sender, s.Address().Hex())
	}
	if o1.ID != HashOrder(o1) {
		t.Errorf("order id %s is not the order hash %s", o1.ID, HashOrder(o1))
	}
	if !strings.HasPrefix(o1.Signature, "0x") || len(o1.Signature) != 2+65*2 {
		t.Errorf("signature malformed: %s", o1.Signature)
	}
}

func TestSignTradeUnknownAsset(t *testing.T) {
	s := testSigner(t)
	eid := "e2"
	sub := &model.SubOrder{
		ID:              2,
		Symbol:          "XYZ-USDT",
		Side:            model.SideSell,
		Timestamp:       1_600_000_000_000,
		ExchangeOrderID: &eid,
	}
	trade := &model.Trade{Status: model.TradeFilled}
	if _, err := s.SignTrade(sub, trade); err == nil {
		t.Fatalf("expected unknown asset error")
	}
}

func TestPersonalSignDeterministic(t *testing.T) {
	s := testSigner(t)
	sig1, err := s.Sign("1600000000000")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig2, err := s.Sign("1600000000000")
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if sig1 != sig2 {
		t.Fatalf("personal signature not deterministic")
	}
	if !strings.HasPrefix(sig1, "0x") || len(sig1) != 2+65*2 {
		t.Fatalf("signature malformed: %s", sig1)
	}
	if other, _ := s.Sign("1600000000001"); other == sig1 {
		t.Fatalf("different payloads produced identical signatures")
	}
}
