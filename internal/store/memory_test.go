package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

func TestMemoryInsertSubOrderIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	o := &model.SubOrder{ID: 1, Symbol: "BTC-USDT", Side: model.SideBuy, Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1), Exchange: "X", Status: model.StatusPrepare}
	if err := m.InsertSubOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}
	o2 := &model.SubOrder{ID: 1, Symbol: "ETH-USDT", Side: model.SideSell, Status: model.StatusAccepted}
	if err := m.InsertSubOrder(ctx, o2); err != nil {
		t.Fatalf("insert dup: %v", err)
	}

	got, err := m.GetSubOrderByID(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Symbol != "BTC-USDT" || got.Status != model.StatusPrepare {
		t.Fatalf("insert dup mutated existing row: %+v", got)
	}
}

func TestMemoryVenueLookupTracksUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	eoid := "e1"
	o := &model.SubOrder{ID: 1, Exchange: "X", Status: model.StatusPrepare}
	if err := m.InsertSubOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	o.ExchangeOrderID = &eoid
	o.Status = model.StatusAccepted
	if err := m.UpdateSubOrder(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := m.GetSubOrder(ctx, "X", "e1")
	if err != nil {
		t.Fatalf("get by venue key: %v", err)
	}
	if got.ID != 1 {
		t.Fatalf("expected id 1, got %d", got.ID)
	}
}

func TestMemoryGetSubOrdersToResend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	filled := &model.SubOrder{ID: 1, Status: model.StatusFilled, SentToAgg: false}
	acked := &model.SubOrder{ID: 2, Status: model.StatusFilled, SentToAgg: true}
	open := &model.SubOrder{ID: 3, Status: model.StatusAccepted, SentToAgg: false}
	for _, o := range []*model.SubOrder{filled, acked, open} {
		if err := m.InsertSubOrder(ctx, o); err != nil {
			t.Fatalf("insert %d: %v", o.ID, err)
		}
	}

	toResend, err := m.GetSubOrdersToResend(ctx)
	if err != nil {
		t.Fatalf("to resend: %v", err)
	}
	if len(toResend) != 1 || toResend[0].ID != 1 {
		t.Fatalf("expected only id=1, got %+v", toResend)
	}
}
