package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"orion-broker/internal/chain"
	"orion-broker/internal/exchange"
	"orion-broker/internal/hub"
	"orion-broker/internal/model"
	"orion-broker/internal/store"
	"orion-broker/internal/tokenregistry"
)

type fakeAdapter struct {
	name        string
	submitCalls int
	submitErr   error
	nextVenueID string
	canceled    []int64

	cb exchange.TradeCallback
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) SubmitSubOrder(_ context.Context, id int64, _ string, _ model.Side, _, _ decimal.Decimal) (string, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.nextVenueID == "" {
		return fmt.Sprintf("v%d", id), nil
	}
	return f.nextVenueID, nil
}

func (f *fakeAdapter) CancelSubOrder(_ context.Context, o *model.SubOrder) error {
	f.canceled = append(f.canceled, o.ID)
	return nil
}

func (f *fakeAdapter) GetBalances(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeAdapter) CheckSubOrders(context.Context, []*model.SubOrder) error { return nil }

func (f *fakeAdapter) SetTradeCallback(cb exchange.TradeCallback) { f.cb = cb }

func (f *fakeAdapter) HasWithdraw() bool { return false }

func (f *fakeAdapter) GetWithdrawLimit(context.Context, string) (exchange.WithdrawLimit, error) {
	return exchange.WithdrawLimit{}, nil
}

func (f *fakeAdapter) Withdraw(context.Context, string, decimal.Decimal, string) (string, bool) {
	return "", false
}

func (f *fakeAdapter) CheckWithdraws(context.Context, []*model.Withdrawal) ([]exchange.WithdrawStatusUpdate, error) {
	return nil, nil
}

type fakeGateway struct {
	statuses []model.SubOrderStatusMsg
	balances string
}

func (g *fakeGateway) SendSubOrderStatus(_ context.Context, st model.SubOrderStatusMsg) error {
	g.statuses = append(g.statuses, st)
	return nil
}

func (g *fakeGateway) SendBalances(context.Context, map[string]map[string]string) error { return nil }
func (g *fakeGateway) Register(context.Context, hub.RegisterInfo) error                 { return nil }
func (g *fakeGateway) GetLastBalancesJson() string                                      { return g.balances }

func testSigner(t *testing.T) *chain.Signer {
	t.Helper()
	reg, err := tokenregistry.Parse(
		"BTC=0x0000000000000000000000000000000000000001:8," +
			"USDT=0xdAC17F958D2ee523a2206206994597C13D831ec7:6," +
			"ORN=0x0258F474786DdFd37ABCE6df6BBb1Dd5dfC4434a:8," +
			"ETH=0x0000000000000000000000000000000000000000:18")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pk, err := crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	s, err := chain.NewSigner(pk, common.HexToAddress("0x1111111111111111111111111111111111111111"), 3, reg)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, adapter *fakeAdapter) (*Engine, *store.Memory, *fakeGateway) {
	t.Helper()
	mem := store.NewMemory()
	e, err := NewEngine(mem, map[string]exchange.Adapter{adapter.name: adapter}, testSigner(t), NoopUI{}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gw := &fakeGateway{}
	e.SetGateway(gw)
	return e, mem, gw
}

func createReq(id int64) model.CreateSubOrderRequest {
	return model.CreateSubOrderRequest{
		ID:       id,
		Symbol:   "BTC-USDT",
		Side:     model.SideBuy,
		Price:    decimal.RequireFromString("10000"),
		Amount:   decimal.RequireFromString("0.01"),
		Exchange: "binance",
	}
}

func TestCreateAndFillHappyPath(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e1"}
	e, mem, _ := newTestEngine(t, adapter)

	st, err := e.OnCreateSubOrder(ctx, createReq(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Status != model.StatusAccepted {
		t.Fatalf("status after create = %s, want ACCEPTED", st.Status)
	}

	o, err := mem.GetSubOrderByID(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.ExchangeOrderID == nil || *o.ExchangeOrderID != "e1" {
		t.Fatalf("exchangeOrderId not recorded")
	}

	adapter.cb(ctx, model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e1",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          model.TradeFilled,
	})

	st, err = e.OnCheckSubOrder(ctx, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.Status != model.StatusFilled {
		t.Fatalf("status after trade = %s, want FILLED", st.Status)
	}
	if !st.FilledAmount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("filledAmount = %s", st.FilledAmount)
	}
	bo := st.BlockchainOrder
	if bo == nil {
		t.Fatalf("blockchainOrder missing after fill")
	}
	if bo.Amount != 1_000_000 {
		t.Errorf("blockchainOrder amount = %d, want 1000000", bo.Amount)
	}
	if bo.Price != 1_000_000_000_000 {
		t.Errorf("blockchainOrder price = %d, want 1000000000000", bo.Price)
	}
	if !bo.BuySide {
		t.Errorf("blockchainOrder buySide = false")
	}
	if bo.MatcherFee != 0 {
		t.Errorf("blockchainOrder matcherFee = %d", bo.MatcherFee)
	}
	if bo.Expiration != uint64(o.Timestamp)+chain.DefaultExpiration {
		t.Errorf("blockchainOrder expiration = %d", bo.Expiration)
	}
}

func TestCreateSubmitRejection(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", submitErr: fmt.Errorf("%w: insufficient funds", exchange.ErrSubmit)}
	e, _, _ := newTestEngine(t, adapter)

	st, err := e.OnCreateSubOrder(ctx, createReq(2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Status != model.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", st.Status)
	}
	if st.BlockchainOrder != nil {
		t.Fatalf("rejected sub-order must not carry a blockchainOrder")
	}
}

func TestHubForcedRejection(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance"}
	e, mem, _ := newTestEngine(t, adapter)

	if _, err := e.OnCreateSubOrder(ctx, createReq(3)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.OnSubOrderStatusAccepted(ctx, 3, model.StatusRejected); err != nil {
		t.Fatalf("ack: %v", err)
	}

	o, err := mem.GetSubOrderByID(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != model.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", o.Status)
	}
	if !o.SentToAgg {
		t.Fatalf("sentToAggregator not set after matching terminal ack")
	}
}

func TestIdempotentCreateReplay(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e4"}
	e, _, _ := newTestEngine(t, adapter)

	st1, err := e.OnCreateSubOrder(ctx, createReq(4))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st2, err := e.OnCreateSubOrder(ctx, createReq(4))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if adapter.submitCalls != 1 {
		t.Fatalf("adapter invoked %d times, want exactly once", adapter.submitCalls)
	}
	if st1.ID != st2.ID || st1.Status != st2.Status || !st1.FilledAmount.Equal(st2.FilledAmount) {
		t.Fatalf("replayed status differs: %+v vs %+v", st1, st2)
	}
}

func TestPartialFillRejected(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e5"}
	e, mem, _ := newTestEngine(t, adapter)

	if _, err := e.OnCreateSubOrder(ctx, createReq(5)); err != nil {
		t.Fatalf("create: %v", err)
	}

	adapter.cb(ctx, model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e5",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.005"), // half the order
		Status:          model.TradeFilled,
	})

	o, err := mem.GetSubOrderByID(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != model.StatusAccepted {
		t.Fatalf("partial fill mutated status to %s", o.Status)
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e6"}
	e, mem, _ := newTestEngine(t, adapter)

	if _, err := e.OnCreateSubOrder(ctx, createReq(6)); err != nil {
		t.Fatalf("create: %v", err)
	}
	fill := model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e6",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          model.TradeFilled,
	}
	adapter.cb(ctx, fill)

	// A late cancel event must not regress the fill.
	cancel := fill
	cancel.Status = model.TradeCanceled
	cancel.Amount = decimal.Zero
	adapter.cb(ctx, cancel)

	// Neither may a hub rejection.
	if err := e.OnSubOrderStatusAccepted(ctx, 6, model.StatusRejected); err != nil {
		t.Fatalf("ack: %v", err)
	}

	o, err := mem.GetSubOrderByID(ctx, 6)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != model.StatusFilled {
		t.Fatalf("terminal status regressed to %s", o.Status)
	}
}

func TestResendStopsAfterAck(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e7"}
	e, mem, _ := newTestEngine(t, adapter)

	if _, err := e.OnCreateSubOrder(ctx, createReq(7)); err != nil {
		t.Fatalf("create: %v", err)
	}
	adapter.cb(ctx, model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e7",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          model.TradeFilled,
	})

	toResend, err := mem.GetSubOrdersToResend(ctx)
	if err != nil {
		t.Fatalf("resend query: %v", err)
	}
	if len(toResend) != 1 || toResend[0].ID != 7 {
		t.Fatalf("terminal unacknowledged sub-order missing from resend set: %v", toResend)
	}

	if err := e.OnSubOrderStatusAccepted(ctx, 7, model.StatusFilled); err != nil {
		t.Fatalf("ack: %v", err)
	}

	toResend, err = mem.GetSubOrdersToResend(ctx)
	if err != nil {
		t.Fatalf("resend query: %v", err)
	}
	if len(toResend) != 0 {
		t.Fatalf("resend set not empty after ack: %v", toResend)
	}
}

func TestCancelVariants(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e8"}
	e, _, _ := newTestEngine(t, adapter)

	if _, err := e.OnCancelSubOrder(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown id: err = %v, want ErrNotFound", err)
	}

	if _, err := e.OnCreateSubOrder(ctx, createReq(8)); err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := e.OnCancelSubOrder(ctx, 8)
	if err != nil {
		t.Fatalf("cancel accepted: %v", err)
	}
	if st != nil {
		t.Fatalf("cancel of ACCEPTED must return no immediate status")
	}
	if len(adapter.canceled) != 1 || adapter.canceled[0] != 8 {
		t.Fatalf("venue cancel not invoked: %v", adapter.canceled)
	}

	adapter.cb(ctx, model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e8",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.Zero,
		Status:          model.TradeCanceled,
	})

	st, err = e.OnCancelSubOrder(ctx, 8)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if st == nil || st.Status != model.StatusCanceled {
		t.Fatalf("cancel of terminal sub-order should report its status, got %+v", st)
	}
}

func TestCheckUnknownIDReportsNullStatus(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance"}
	e, _, _ := newTestEngine(t, adapter)

	st, err := e.OnCheckSubOrder(ctx, 999)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.ID != 999 || st.Status != "" || !st.FilledAmount.IsZero() {
		t.Fatalf("unknown id status = %+v", st)
	}
}

func TestTradePushesStatusToHub(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "binance", nextVenueID: "e9"}
	e, _, gw := newTestEngine(t, adapter)

	if _, err := e.OnCreateSubOrder(ctx, createReq(9)); err != nil {
		t.Fatalf("create: %v", err)
	}
	adapter.cb(ctx, model.Trade{
		Exchange:        "binance",
		ExchangeOrderID: "e9",
		Price:           decimal.RequireFromString("10000"),
		Amount:          decimal.RequireFromString("0.01"),
		Status:          model.TradeFilled,
	})

	if len(gw.statuses) != 1 {
		t.Fatalf("hub received %d status pushes, want 1", len(gw.statuses))
	}
	if gw.statuses[0].Status != model.StatusFilled || gw.statuses[0].BlockchainOrder == nil {
		t.Fatalf("pushed status = %+v", gw.statuses[0])
	}
}
