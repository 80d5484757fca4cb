// Package broker implements the sub-order lifecycle engine: create, cancel,
// check, venue trade events, and hub acknowledgements. Handlers for a given
// sub-order id are serialized behind a keyed lock so the status machine is
// race-free; distinct ids proceed in parallel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orion-broker/internal/audit"
	"orion-broker/internal/chain"
	"orion-broker/internal/exchange"
	"orion-broker/internal/hub"
	"orion-broker/internal/model"
	"orion-broker/internal/store"
)

var ErrNotFound = errors.New("broker: sub-order not found")

// UIPusher receives state changes for the operator dashboard. The dashboard
// itself is out of core scope; only the callback shapes are fixed.
type UIPusher interface {
	PushSubOrder(o *model.SubOrder)
	PushBalances(balances map[string]map[string]string)
}

// NoopUI discards pushes; used when no dashboard is attached.
type NoopUI struct{}

func (NoopUI) PushSubOrder(*model.SubOrder)              {}
func (NoopUI) PushBalances(map[string]map[string]string) {}

// keyedLocks hands out one mutex per sub-order id. Entries are never
// reclaimed; ids are hub-assigned and sub-orders are never deleted, so the
// map is bounded by the order count.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func (k *keyedLocks) lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type Engine struct {
	store    store.Store
	adapters map[string]exchange.Adapter
	signer   *chain.Signer
	ui       UIPusher
	auditLog *audit.Log

	locks keyedLocks

	mu      sync.RWMutex
	gateway hub.Gateway
}

func NewEngine(st store.Store, adapters map[string]exchange.Adapter, signer *chain.Signer, ui UIPusher, auditLog *audit.Log) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("broker: store required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("broker: at least one exchange adapter required")
	}
	if signer == nil {
		return nil, fmt.Errorf("broker: chain signer required")
	}
	if ui == nil {
		ui = NoopUI{}
	}
	e := &Engine{
		store:    st,
		adapters: adapters,
		signer:   signer,
		ui:       ui,
		auditLog: auditLog,
		locks:    keyedLocks{locks: make(map[int64]*sync.Mutex)},
	}
	for _, a := range adapters {
		a.SetTradeCallback(e.OnTrade)
	}
	return e, nil
}

// SetGateway attaches the hub after construction; the hub transport holds the
// engine's handlers, so the engine is built first.
func (e *Engine) SetGateway(g hub.Gateway) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gateway = g
}

func (e *Engine) hubGateway() hub.Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gateway
}

// OnCreateSubOrder persists the sub-order, places it on the venue, and
// reports the resulting status. Replays for a known id return the current
// status without touching the venue again.
func (e *Engine) OnCreateSubOrder(ctx context.Context, req model.CreateSubOrderRequest) (model.SubOrderStatusMsg, error) {
	unlock := e.locks.lock(req.ID)
	defer unlock()

	if _, err := e.store.GetSubOrderByID(ctx, req.ID); err == nil {
		return e.checkLocked(ctx, req.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.SubOrderStatusMsg{}, err
	}

	o := &model.SubOrder{
		ID:           req.ID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Price:        req.Price,
		Amount:       req.Amount,
		Exchange:     req.Exchange,
		Timestamp:    time.Now().UnixMilli(),
		Status:       model.StatusPrepare,
		FilledAmount: decimal.Zero,
	}
	if err := e.store.InsertSubOrder(ctx, o); err != nil {
		return model.SubOrderStatusMsg{}, err
	}

	adapter, ok := e.adapters[req.Exchange]
	if !ok {
		log.Printf("[warn] broker: create id=%d: unknown exchange %q", req.ID, req.Exchange)
		o.Status = model.StatusRejected
	} else {
		venueID, err := adapter.SubmitSubOrder(ctx, req.ID, req.Symbol, req.Side, req.Amount, req.Price)
		if err != nil {
			log.Printf("[warn] broker: submit id=%d exchange=%s: %v", req.ID, req.Exchange, err)
			o.Status = model.StatusRejected
		} else {
			o.ExchangeOrderID = &venueID
			o.Status = model.StatusAccepted
		}
	}
	if err := e.store.UpdateSubOrder(ctx, o); err != nil {
		return model.SubOrderStatusMsg{}, err
	}
	e.audit("sub_order_"+statusSlug(o.Status), o, "")

	// o is the row built above, so CancelRequested is false on this path: a
	// cancel sent while the placement is in flight waits on this id's lock and
	// then takes OnCancelSubOrder's ACCEPTED branch.
	if o.CancelRequested && o.Status == model.StatusAccepted {
		if err := adapter.CancelSubOrder(ctx, o); err != nil {
			log.Printf("[warn] broker: deferred cancel id=%d: %v", o.ID, err)
		}
	}

	e.ui.PushSubOrder(o)
	return e.checkLocked(ctx, req.ID)
}

// OnCancelSubOrder requests cancellation. It shares the per-id lock with
// OnCreateSubOrder, so a cancel sent during placement runs after the create
// has stored ACCEPTED or REJECTED. A sub-order still in PREPARE (an earlier
// create stopped before its status update) only gets a cancel-intent flag
// recorded, and no later path acts on it; in ACCEPTED the venue cancel is
// advisory and the authoritative terminal status arrives through
// CheckSubOrders. Both return no immediate status.
func (e *Engine) OnCancelSubOrder(ctx context.Context, id int64) (*model.SubOrderStatusMsg, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.store.GetSubOrderByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	switch o.Status {
	case model.StatusPrepare:
		o.CancelRequested = true
		if err := e.store.UpdateSubOrder(ctx, o); err != nil {
			return nil, err
		}
		return nil, nil
	case model.StatusAccepted:
		adapter, ok := e.adapters[o.Exchange]
		if !ok {
			return nil, fmt.Errorf("broker: cancel id=%d: unknown exchange %q", id, o.Exchange)
		}
		if err := adapter.CancelSubOrder(ctx, o); err != nil {
			log.Printf("[warn] broker: cancel id=%d: %v", id, err)
		}
		return nil, nil
	default:
		st, err := e.checkLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		return &st, nil
	}
}

// OnCheckSubOrder reports the current status. PREPARE is private and reported
// as ACCEPTED; unknown ids report a null status so the hub can keep polling
// ids the broker has not persisted (e.g. after a restart).
func (e *Engine) OnCheckSubOrder(ctx context.Context, id int64) (model.SubOrderStatusMsg, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.checkLocked(ctx, id)
}

func (e *Engine) checkLocked(ctx context.Context, id int64) (model.SubOrderStatusMsg, error) {
	o, err := e.store.GetSubOrderByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.SubOrderStatusMsg{ID: id, FilledAmount: decimal.Zero}, nil
	}
	if err != nil {
		return model.SubOrderStatusMsg{}, err
	}

	status := o.Status
	if status == model.StatusPrepare {
		status = model.StatusAccepted
	}
	msg := model.SubOrderStatusMsg{ID: id, Status: status, FilledAmount: o.FilledAmount}

	if o.ExchangeOrderID != nil {
		trades, err := e.store.GetSubOrderTrades(ctx, o.Exchange, *o.ExchangeOrderID)
		if err != nil {
			return model.SubOrderStatusMsg{}, err
		}
		if len(trades) > 0 {
			order, err := e.signer.SignTrade(o, trades[0])
			if err != nil {
				return model.SubOrderStatusMsg{}, err
			}
			msg.BlockchainOrder = order
		}
	}
	return msg, nil
}

// OnSubOrderStatusAccepted resolves whether the hub has durably accepted the
// last reported status. The hub is authoritative on rejection: a reported
// REJECTED overrides any non-terminal local state. A matching terminal
// acknowledgement stops the resend loop.
func (e *Engine) OnSubOrderStatusAccepted(ctx context.Context, id int64, status model.SubOrderStatus) error {
	unlock := e.locks.lock(id)
	defer unlock()

	o, err := e.store.GetSubOrderByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[warn] broker: ack for unknown sub-order %d", id)
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	if status == model.StatusRejected && !o.Status.IsTerminal() {
		o.Status = model.StatusRejected
		changed = true
		e.audit("sub_order_rejected_by_hub", o, "")
	}
	if status == o.Status && o.Status.IsTerminal() && !o.SentToAgg {
		o.SentToAgg = true
		changed = true
	}
	if !changed {
		return nil
	}
	if err := e.store.UpdateSubOrder(ctx, o); err != nil {
		return err
	}
	e.ui.PushSubOrder(o)
	return nil
}

// OnTrade is the venue-terminal callback from the adapters. It records the
// trade, terminalizes the sub-order, and pushes the status to the hub. The
// trade is written before the sub-order becomes terminal so a crash between
// the writes can still recompute the settleable order from the trade alone.
func (e *Engine) OnTrade(ctx context.Context, t model.Trade) {
	o, err := e.store.GetSubOrder(ctx, t.Exchange, t.ExchangeOrderID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[warn] broker: trade for unknown order (%s,%s)", t.Exchange, t.ExchangeOrderID)
		return
	}
	if err != nil {
		log.Printf("[warn] broker: trade lookup (%s,%s): %v", t.Exchange, t.ExchangeOrderID, err)
		return
	}

	unlock := e.locks.lock(o.ID)
	defer unlock()

	// Re-read under the lock; another handler may have terminalized it.
	o, err = e.store.GetSubOrderByID(ctx, o.ID)
	if err != nil {
		log.Printf("[warn] broker: trade re-read id=%d: %v", o.ID, err)
		return
	}
	if o.Status.IsTerminal() {
		return
	}

	if t.Status == model.TradeFilled && !t.Amount.Equal(o.Amount) {
		log.Printf("[warn] broker: partial fill unsupported id=%d amount=%s filled=%s", o.ID, o.Amount, t.Amount)
		return
	}

	o.FilledAmount = t.Amount
	switch t.Status {
	case model.TradeFilled:
		o.Status = model.StatusFilled
	case model.TradeCanceled:
		o.Status = model.StatusCanceled
	default:
		log.Printf("[warn] broker: non-terminal trade status %q id=%d", t.Status, o.ID)
		return
	}

	if o.FilledAmount.IsPositive() {
		if err := e.store.InsertTrade(ctx, &t); err != nil {
			log.Printf("[warn] broker: insert trade id=%d: %v", o.ID, err)
			return
		}
	}
	if err := e.store.UpdateSubOrder(ctx, o); err != nil {
		log.Printf("[warn] broker: terminalize id=%d: %v", o.ID, err)
		return
	}
	e.audit("sub_order_"+statusSlug(o.Status), o, t.ExchangeOrderID)

	if g := e.hubGateway(); g != nil {
		st, err := e.checkLocked(ctx, o.ID)
		if err != nil {
			log.Printf("[warn] broker: status after trade id=%d: %v", o.ID, err)
		} else if err := g.SendSubOrderStatus(ctx, st); err != nil {
			log.Printf("[warn] broker: push status id=%d: %v", o.ID, err)
		}
	}
	e.ui.PushSubOrder(o)
}

func (e *Engine) audit(event string, o *model.SubOrder, ref string) {
	if err := e.auditLog.Append(audit.Record{
		Event:      event,
		SubOrderID: o.ID,
		Exchange:   o.Exchange,
		Status:     string(o.Status),
		Amount:     o.FilledAmount.String(),
		Ref:        ref,
	}); err != nil {
		log.Printf("[warn] broker: audit %s id=%d: %v", event, o.ID, err)
	}
}

func statusSlug(s model.SubOrderStatus) string {
	switch s {
	case model.StatusAccepted:
		return "accepted"
	case model.StatusFilled:
		return "filled"
	case model.StatusCanceled:
		return "canceled"
	case model.StatusRejected:
		return "rejected"
	default:
		return "prepare"
	}
}
