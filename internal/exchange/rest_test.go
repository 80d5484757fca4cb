package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
	"orion-broker/internal/tokenregistry"
)

func testRegistry(t *testing.T) *tokenregistry.Registry {
	t.Helper()
	r, err := tokenregistry.Parse(
		"BTC=0x0000000000000000000000000000000000000001:8," +
			"USDT=0xdAC17F958D2ee523a2206206994597C13D831ec7:6")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func newTestAdapter(t *testing.T, handler http.Handler, cfg RestConfig) *RestAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.Host = srv.URL
	if cfg.Name == "" {
		cfg.Name = "testvenue"
	}
	a, err := NewRestAdapter(cfg, testRegistry(t))
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return a
}

func TestSubmitSubOrderPassesClientOrderID(t *testing.T) {
	var gotClientID string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotClientID, _ = body["clientOrderId"].(string)
		_ = json.NewEncoder(w).Encode(submitResponse{Order: &venueOrder{OrderID: "e1"}})
	})
	a := newTestAdapter(t, mux, RestConfig{})

	id, err := a.SubmitSubOrder(context.Background(), 42, "BTC-USDT", model.SideBuy,
		decimal.RequireFromString("0.01"), decimal.RequireFromString("10000"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "e1" {
		t.Fatalf("venue order id = %q", id)
	}
	if gotClientID != "42" {
		t.Fatalf("clientOrderId = %q, want 42", gotClientID)
	}
}

func TestSubmitRejectionWrapsErrSubmit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"insufficient balance"}`, http.StatusBadRequest)
	})
	a := newTestAdapter(t, mux, RestConfig{})

	_, err := a.SubmitSubOrder(context.Background(), 1, "BTC-USDT", model.SideSell,
		decimal.New(1, 0), decimal.New(1, 0))
	if !errors.Is(err, ErrSubmit) {
		t.Fatalf("err = %v, want ErrSubmit", err)
	}
}

func TestGetBalancesFiltersUnknownCurrencies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/balances", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]balanceEntry{
			{Currency: "BTC", Free: decimal.RequireFromString("1.5")},
			{Currency: "USDT", Free: decimal.RequireFromString("200")},
			{Currency: "DOGE", Free: decimal.RequireFromString("9999")}, // not chain-recognized
		})
	})
	a := newTestAdapter(t, mux, RestConfig{})

	bals, err := a.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(bals) != 2 {
		t.Fatalf("balances = %v, want BTC and USDT only", bals)
	}
	if _, ok := bals["DOGE"]; ok {
		t.Fatalf("unrecognized currency leaked through")
	}
}

func TestCheckSubOrdersEmitsTerminalTrades(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("orderId") {
		case "filled":
			_ = json.NewEncoder(w).Encode(venueOrder{
				OrderID: "filled", Status: "FILLED",
				Price:  decimal.RequireFromString("10000"),
				Filled: decimal.RequireFromString("0.01"),
			})
		case "open":
			_ = json.NewEncoder(w).Encode(venueOrder{OrderID: "open", Status: "OPEN"})
		case "canceled":
			// No filled field from the venue; adapter must report 0.
			_ = json.NewEncoder(w).Encode(venueOrder{OrderID: "canceled", Status: "CANCELED"})
		}
	})
	a := newTestAdapter(t, mux, RestConfig{})

	var trades []model.Trade
	a.SetTradeCallback(func(_ context.Context, tr model.Trade) { trades = append(trades, tr) })

	ids := []string{"filled", "open", "canceled"}
	orders := make([]*model.SubOrder, 0, len(ids))
	for _, id := range ids {
		id := id
		orders = append(orders, &model.SubOrder{
			ID:              1,
			Symbol:          "BTC-USDT",
			Exchange:        "testvenue",
			Status:          model.StatusAccepted,
			Price:           decimal.RequireFromString("10000"),
			ExchangeOrderID: &id,
		})
	}
	if err := a.CheckSubOrders(context.Background(), orders); err != nil {
		t.Fatalf("check: %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2 (open order must not emit)", len(trades))
	}
	if trades[0].Status != model.TradeFilled || !trades[0].Amount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("filled trade = %+v", trades[0])
	}
	if trades[1].Status != model.TradeCanceled || !trades[1].Amount.IsZero() {
		t.Fatalf("canceled trade = %+v, want zero filled", trades[1])
	}
}

func TestMapWithdrawStatus(t *testing.T) {
	cases := []struct {
		name string
		vw   venueWithdraw
		want model.WithdrawStatus
	}{
		{"ok with tx", venueWithdraw{Status: "ok", TxID: "0xabc"}, model.WithdrawOK},
		{"misleading ok without tx", venueWithdraw{Status: "ok"}, model.WithdrawPending},
		{"completed with tx", venueWithdraw{Status: "completed", TxID: "0xabc"}, model.WithdrawOK},
		{"failed", venueWithdraw{Status: "failed"}, model.WithdrawFailed},
		{"canceled", venueWithdraw{Status: "cancelled"}, model.WithdrawCanceled},
		{"processing", venueWithdraw{Status: "processing"}, model.WithdrawPending},
	}
	for _, tc := range cases {
		if got := mapWithdrawStatus(tc.vw); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestWithdrawPerformsAccountTransferFirst(t *testing.T) {
	var order []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transfer", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "transfer")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/withdraw", func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "withdraw")
		_ = json.NewEncoder(w).Encode(withdrawResp{WithdrawID: "w1"})
	})
	a := newTestAdapter(t, mux, RestConfig{WithdrawEnabled: true, RequiresTransfer: true})

	id, ok := a.Withdraw(context.Background(), "USDT", decimal.RequireFromString("101"), "0xdead")
	if !ok || id != "w1" {
		t.Fatalf("withdraw = (%q,%v)", id, ok)
	}
	if len(order) != 2 || order[0] != "transfer" || order[1] != "withdraw" {
		t.Fatalf("call order = %v, want transfer before withdraw", order)
	}
}

func TestWithdrawErrorsReportedAsAbsence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/withdraw", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "venue exploded", http.StatusInternalServerError)
	})
	a := newTestAdapter(t, mux, RestConfig{WithdrawEnabled: true})

	if id, ok := a.Withdraw(context.Background(), "USDT", decimal.New(1, 0), "0xdead"); ok || id != "" {
		t.Fatalf("withdraw = (%q,%v), want swallowed error", id, ok)
	}
}
