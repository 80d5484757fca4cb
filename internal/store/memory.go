package store

import (
	"context"
	"sync"

	"orion-broker/internal/model"
)

// Memory is an in-process Store used by tests and by standalone dry runs.
// It implements the same idempotent semantics as Postgres without a
// database dependency.
type Memory struct {
	mu          sync.Mutex
	subOrders   map[int64]*model.SubOrder
	byVenueKey  map[string]int64 // "exchange|exchangeOrderID" -> sub-order id
	trades      map[string][]*model.Trade
	withdrawals map[string]*model.Withdrawal
	txs         map[string]*model.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		subOrders:   make(map[int64]*model.SubOrder),
		byVenueKey:  make(map[string]int64),
		trades:      make(map[string][]*model.Trade),
		withdrawals: make(map[string]*model.Withdrawal),
		txs:         make(map[string]*model.Transaction),
	}
}

func venueKey(exchange, exchangeOrderID string) string { return exchange + "|" + exchangeOrderID }

func cloneSubOrder(o *model.SubOrder) *model.SubOrder {
	cp := *o
	if o.ExchangeOrderID != nil {
		id := *o.ExchangeOrderID
		cp.ExchangeOrderID = &id
	}
	return &cp
}

func (m *Memory) InsertSubOrder(_ context.Context, o *model.SubOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subOrders[o.ID]; ok {
		return nil // idempotent, matches Postgres ON CONFLICT DO NOTHING
	}
	cp := cloneSubOrder(o)
	m.subOrders[o.ID] = cp
	if cp.ExchangeOrderID != nil {
		m.byVenueKey[venueKey(cp.Exchange, *cp.ExchangeOrderID)] = cp.ID
	}
	return nil
}

func (m *Memory) UpdateSubOrder(_ context.Context, o *model.SubOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subOrders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.ExchangeOrderID != nil {
		delete(m.byVenueKey, venueKey(existing.Exchange, *existing.ExchangeOrderID))
	}
	cp := cloneSubOrder(o)
	m.subOrders[o.ID] = cp
	if cp.ExchangeOrderID != nil {
		m.byVenueKey[venueKey(cp.Exchange, *cp.ExchangeOrderID)] = cp.ID
	}
	return nil
}

func (m *Memory) GetSubOrderByID(_ context.Context, id int64) (*model.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.subOrders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubOrder(o), nil
}

func (m *Memory) GetSubOrder(_ context.Context, exchange, exchangeOrderID string) (*model.SubOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byVenueKey[venueKey(exchange, exchangeOrderID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubOrder(m.subOrders[id]), nil
}

func (m *Memory) filterSubOrders(pred func(*model.SubOrder) bool) []*model.SubOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.SubOrder, 0)
	for _, o := range m.subOrders {
		if pred(o) {
			out = append(out, cloneSubOrder(o))
		}
	}
	return out
}

func (m *Memory) GetOpenSubOrders(_ context.Context) ([]*model.SubOrder, error) {
	return m.filterSubOrders(func(o *model.SubOrder) bool {
		return o.Status == model.StatusPrepare || o.Status == model.StatusAccepted
	}), nil
}

func (m *Memory) GetSubOrdersToCheck(_ context.Context) ([]*model.SubOrder, error) {
	return m.filterSubOrders(func(o *model.SubOrder) bool {
		return o.Status == model.StatusAccepted && o.ExchangeOrderID != nil
	}), nil
}

func (m *Memory) GetSubOrdersToResend(_ context.Context) ([]*model.SubOrder, error) {
	return m.filterSubOrders(func(o *model.SubOrder) bool {
		return o.Status.IsTerminal() && !o.SentToAgg
	}), nil
}

func (m *Memory) InsertTrade(_ context.Context, t *model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := venueKey(t.Exchange, t.ExchangeOrderID)
	if len(m.trades[key]) > 0 {
		return nil // idempotent
	}
	cp := *t
	m.trades[key] = append(m.trades[key], &cp)
	return nil
}

func (m *Memory) GetSubOrderTrades(_ context.Context, exchange, exchangeOrderID string) ([]*model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.trades[venueKey(exchange, exchangeOrderID)]
	out := make([]*model.Trade, len(rows))
	for i, t := range rows {
		cp := *t
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) InsertWithdraw(_ context.Context, w *model.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.withdrawals[w.ExchangeWithdrawID]; ok {
		return nil
	}
	cp := *w
	m.withdrawals[w.ExchangeWithdrawID] = &cp
	return nil
}

func (m *Memory) UpdateWithdrawStatus(_ context.Context, exchangeWithdrawID string, status model.WithdrawStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[exchangeWithdrawID]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (m *Memory) GetWithdrawsToCheck(_ context.Context) ([]*model.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Withdrawal, 0)
	for _, w := range m.withdrawals {
		if w.Status == model.WithdrawPending {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) HasPendingWithdraw(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.withdrawals {
		if w.Status == model.WithdrawPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) InsertTransaction(_ context.Context, t *model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.TransactionHash]; ok {
		return nil
	}
	cp := *t
	m.txs[t.TransactionHash] = &cp
	return nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, hash string, status model.TxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[hash]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *Memory) GetPendingTransactions(_ context.Context) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Transaction, 0)
	for _, t := range m.txs {
		if t.Status == model.TxPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) HasPendingTransaction(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.Status == model.TxPending {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*Memory)(nil)
