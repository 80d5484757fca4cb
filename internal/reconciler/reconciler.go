// Package reconciler runs the broker's background control loops: balance
// broadcast, sub-order polling and ack retransmission, withdrawal polling,
// on-chain transaction polling, and liability discharge planning. Each loop
// runs on its own goroutine, wraps its body in log-and-continue, and never
// starts a new tick while the previous one is still running.
package reconciler

import (
	"context"
	"encoding/json"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"orion-broker/internal/audit"
	"orion-broker/internal/broker"
	"orion-broker/internal/exchange"
	"orion-broker/internal/hub"
	"orion-broker/internal/model"
	"orion-broker/internal/store"
)

// ChainClient is the slice of the chain client the reconciler consumes.
type ChainClient interface {
	Address() common.Address
	GetWalletBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	GetAllowance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetLiabilities(ctx context.Context) ([]model.Liability, error)
	GetTransactionStatus(ctx context.Context, hash string) (model.TxStatus, error)
	DepositETH(ctx context.Context, amount decimal.Decimal) (*model.Transaction, error)
	DepositERC20(ctx context.Context, amount decimal.Decimal, asset string) (*model.Transaction, error)
}

// Periods of the loops; zero values take these defaults.
type Periods struct {
	Balances     time.Duration
	SubOrders    time.Duration
	Withdrawals  time.Duration
	Transactions time.Duration
	Liabilities  time.Duration
}

func (p Periods) withDefaults() Periods {
	if p.Balances <= 0 {
		p.Balances = 10 * time.Second
	}
	if p.SubOrders <= 0 {
		p.SubOrders = 10 * time.Second
	}
	if p.Withdrawals <= 0 {
		p.Withdrawals = 60 * time.Second
	}
	if p.Transactions <= 0 {
		p.Transactions = 10 * time.Second
	}
	if p.Liabilities <= 0 {
		p.Liabilities = 5 * time.Minute
	}
	return p
}

// pendingTxMaxAge promotes a transaction the chain has never seen to FAIL.
const pendingTxMaxAge = 10 * time.Minute

type Config struct {
	Periods Periods
	// DuePeriod is how long a liability may stay outstanding before the
	// reconciler starts discharging it.
	DuePeriod time.Duration
}

type Reconciler struct {
	cfg      Config
	store    store.Store
	adapters []exchange.Adapter // insertion order fixes withdraw venue scan order
	engine   *broker.Engine
	chain    ChainClient
	ui       broker.UIPusher
	auditLog *audit.Log

	gwMu    sync.RWMutex
	gateway hub.Gateway

	status statusTracker

	// Last known exchange balances; written only by the balances loop,
	// replaced wholesale per poll, read by getExchangeForWithdraw.
	balMu       sync.RWMutex
	lastBalance map[string]map[string]decimal.Decimal
}

func New(cfg Config, st store.Store, adapters []exchange.Adapter, engine *broker.Engine, gateway hub.Gateway, chainClient ChainClient, ui broker.UIPusher, auditLog *audit.Log) *Reconciler {
	cfg.Periods = cfg.Periods.withDefaults()
	if cfg.DuePeriod <= 0 {
		cfg.DuePeriod = time.Hour
	}
	if ui == nil {
		ui = broker.NoopUI{}
	}
	return &Reconciler{
		cfg:         cfg,
		store:       st,
		adapters:    adapters,
		engine:      engine,
		gateway:     gateway,
		chain:       chainClient,
		ui:          ui,
		auditLog:    auditLog,
		status:      newStatusTracker("[reconciler]", 5*time.Minute),
		lastBalance: make(map[string]map[string]decimal.Decimal),
	}
}

// SetGateway attaches the hub transport after wiring; the transport is built
// last because it holds the engine's handlers.
func (r *Reconciler) SetGateway(g hub.Gateway) {
	r.gwMu.Lock()
	defer r.gwMu.Unlock()
	r.gateway = g
}

func (r *Reconciler) hubGateway() hub.Gateway {
	r.gwMu.RLock()
	defer r.gwMu.RUnlock()
	return r.gateway
}

// Run starts the five loops and blocks until ctx is canceled and all loops
// have stopped. In-flight I/O completes; issued store writes are durable.
func (r *Reconciler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name   string
		period time.Duration
		tick   func(context.Context)
	}{
		{"balances", r.cfg.Periods.Balances, r.tickBalances},
		{"sub_orders", r.cfg.Periods.SubOrders, r.tickSubOrders},
		{"withdrawals", r.cfg.Periods.Withdrawals, r.tickWithdrawals},
		{"transactions", r.cfg.Periods.Transactions, r.tickTransactions},
		{"liabilities", r.cfg.Periods.Liabilities, r.tickLiabilities},
	}
	for _, l := range loops {
		wg.Add(1)
		go func(name string, period time.Duration, tick func(context.Context)) {
			defer wg.Done()
			r.runLoop(ctx, name, period, tick)
		}(l.name, l.period, l.tick)
	}
	wg.Wait()
}

// runLoop ticks fn on period. One goroutine per loop means at most one tick
// is in flight; a slow tick makes the ticker drop fires rather than pile up.
func (r *Reconciler) runLoop(ctx context.Context, name string, period time.Duration, fn func(context.Context)) {
	t := time.NewTicker(period)
	defer t.Stop()

	safe := func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[warn] reconciler %s panic: %v\n%s", name, rec, debug.Stack())
			}
		}()
		fn(ctx)
	}

	safe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			safe()
		}
	}
}

// tickBalances polls every venue, replaces the in-memory snapshot, and sends
// the payload to the hub only when it differs from the last one sent.
func (r *Reconciler) tickBalances(ctx context.Context) {
	snapshot := make(map[string]map[string]decimal.Decimal, len(r.adapters))
	payload := make(map[string]map[string]string, len(r.adapters))

	for _, a := range r.adapters {
		bals, err := a.GetBalances(ctx)
		if err != nil {
			r.status.Set("balances:"+a.Name(), err.Error())
			continue
		}
		snapshot[a.Name()] = bals
		strs := make(map[string]string, len(bals))
		for cur, amt := range bals {
			strs[cur] = amt.String()
		}
		payload[a.Name()] = strs
	}

	r.balMu.Lock()
	r.lastBalance = snapshot
	r.balMu.Unlock()

	g := r.hubGateway()
	if g == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[warn] reconciler balances marshal: %v", err)
		return
	}
	if string(b) == g.GetLastBalancesJson() {
		return
	}
	if err := g.SendBalances(ctx, payload); err != nil {
		r.status.Set("balances:send", err.Error())
		return
	}
	r.ui.PushBalances(payload)
}

// tickSubOrders retransmits unacknowledged terminal statuses, then polls the
// venues for open orders; terminal events flow back through the engine's
// OnTrade callback.
func (r *Reconciler) tickSubOrders(ctx context.Context) {
	if g := r.hubGateway(); g != nil {
		toResend, err := r.store.GetSubOrdersToResend(ctx)
		if err != nil {
			log.Printf("[warn] reconciler resend query: %v", err)
		} else {
			for _, o := range toResend {
				st, err := r.engine.OnCheckSubOrder(ctx, o.ID)
				if err != nil {
					log.Printf("[warn] reconciler resend check id=%d: %v", o.ID, err)
					continue
				}
				if err := g.SendSubOrderStatus(ctx, st); err != nil {
					r.status.Set("resend", err.Error())
					break
				}
			}
		}
	}

	toCheck, err := r.store.GetSubOrdersToCheck(ctx)
	if err != nil {
		log.Printf("[warn] reconciler check query: %v", err)
		return
	}
	byExchange := make(map[string][]*model.SubOrder)
	for _, o := range toCheck {
		byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
	}
	for _, a := range r.adapters {
		orders := byExchange[a.Name()]
		if len(orders) == 0 {
			continue
		}
		if err := a.CheckSubOrders(ctx, orders); err != nil {
			r.status.Set("check:"+a.Name(), err.Error())
		}
	}
}

func (r *Reconciler) tickWithdrawals(ctx context.Context) {
	pending, err := r.store.GetWithdrawsToCheck(ctx)
	if err != nil {
		log.Printf("[warn] reconciler withdraws query: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	byExchange := make(map[string][]*model.Withdrawal)
	for _, w := range pending {
		byExchange[w.Exchange] = append(byExchange[w.Exchange], w)
	}
	for _, a := range r.adapters {
		ws := byExchange[a.Name()]
		if len(ws) == 0 {
			continue
		}
		updates, err := a.CheckWithdraws(ctx, ws)
		if err != nil {
			r.status.Set("withdraws:"+a.Name(), err.Error())
			continue
		}
		for _, u := range updates {
			if err := r.store.UpdateWithdrawStatus(ctx, u.ExchangeWithdrawID, u.Status); err != nil {
				log.Printf("[warn] reconciler withdraw %s: %v", u.ExchangeWithdrawID, err)
				continue
			}
			r.auditAppend(audit.Record{
				Event:    "withdraw_" + string(u.Status),
				Exchange: a.Name(),
				Ref:      u.ExchangeWithdrawID,
			})
		}
	}
}

// tickTransactions resolves pending on-chain transactions. A transaction the
// chain reports as NONE for more than pendingTxMaxAge is treated as dropped
// and promoted to FAIL. Only terminal statuses are persisted.
func (r *Reconciler) tickTransactions(ctx context.Context) {
	pending, err := r.store.GetPendingTransactions(ctx)
	if err != nil {
		log.Printf("[warn] reconciler tx query: %v", err)
		return
	}
	for _, tx := range pending {
		status, err := r.chain.GetTransactionStatus(ctx, tx.TransactionHash)
		if err != nil {
			r.status.Set("tx:"+tx.TransactionHash, err.Error())
			continue
		}
		if status == model.TxNone && time.Now().UnixMilli()-tx.CreateTime > pendingTxMaxAge.Milliseconds() {
			status = model.TxFail
		}
		if !status.IsTerminal() {
			continue
		}
		if err := r.store.UpdateTransactionStatus(ctx, tx.TransactionHash, status); err != nil {
			log.Printf("[warn] reconciler tx %s: %v", tx.TransactionHash, err)
			continue
		}
		r.auditAppend(audit.Record{
			Event:  "transaction_" + string(status),
			Asset:  tx.Asset,
			Amount: tx.Amount.String(),
			Ref:    tx.TransactionHash,
			Detail: tx.Method,
		})
	}
}

func (r *Reconciler) tickLiabilities(ctx context.Context) {
	liabilities, err := r.chain.GetLiabilities(ctx)
	if err != nil {
		r.status.Set("liabilities", err.Error())
		return
	}
	for _, l := range liabilities {
		if err := r.ManageLiability(ctx, l); err != nil {
			log.Printf("[warn] reconciler liability %s: %v", l.AssetName, err)
		}
	}
}

func (r *Reconciler) auditAppend(rec audit.Record) {
	if err := r.auditLog.Append(rec); err != nil {
		log.Printf("[warn] reconciler audit %s: %v", rec.Event, err)
	}
}

// statusTracker debounces repetitive loop error lines, keyed by loop/venue
// slot.
type statusTracker struct {
	mu          sync.Mutex
	prefix      string
	minInterval time.Duration
	slots       map[string]statusSlot
}

type statusSlot struct {
	msg    string
	lastAt time.Time
}

func newStatusTracker(prefix string, minInterval time.Duration) statusTracker {
	if minInterval < 0 {
		minInterval = 0
	}
	return statusTracker{
		prefix:      prefix,
		minInterval: minInterval,
		slots:       make(map[string]statusSlot),
	}
}

func (s *statusTracker) Set(slot, msg string) {
	if s == nil || slot == "" || msg == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	prev := s.slots[slot]
	if prev.msg == msg && !prev.lastAt.IsZero() && now.Sub(prev.lastAt) < s.minInterval {
		return
	}
	s.slots[slot] = statusSlot{msg: msg, lastAt: now}
	log.Printf("%s status %s=%s", s.prefix, slot, msg)
}
