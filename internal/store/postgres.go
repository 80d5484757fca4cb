package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

// Postgres is the durable Store backed by PostgreSQL via sqlx/lib-pq.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres connects and runs the schema migration idempotently.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sub_orders (
	id                BIGINT PRIMARY KEY,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	price             NUMERIC NOT NULL,
	amount            NUMERIC NOT NULL,
	exchange          TEXT NOT NULL,
	ts_ms             BIGINT NOT NULL,
	status            TEXT NOT NULL,
	filled_amount     NUMERIC NOT NULL DEFAULT 0,
	exchange_order_id TEXT,
	sent_to_agg       BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS sub_orders_exchange_order_idx ON sub_orders (exchange, exchange_order_id) WHERE exchange_order_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS sub_orders_status_idx ON sub_orders (status);

CREATE TABLE IF NOT EXISTS trades (
	exchange          TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL,
	price             NUMERIC NOT NULL,
	amount            NUMERIC NOT NULL,
	status            TEXT NOT NULL,
	PRIMARY KEY (exchange, exchange_order_id)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	exchange_withdraw_id TEXT PRIMARY KEY,
	exchange             TEXT NOT NULL,
	currency             TEXT NOT NULL,
	amount               NUMERIC NOT NULL,
	status               TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS withdrawals_status_idx ON withdrawals (status);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_hash TEXT PRIMARY KEY,
	method           TEXT NOT NULL,
	asset            TEXT NOT NULL,
	amount           NUMERIC NOT NULL,
	create_time      BIGINT NOT NULL,
	status           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status);
`

type subOrderRow struct {
	ID              int64           `db:"id"`
	Symbol          string          `db:"symbol"`
	Side            string          `db:"side"`
	Price           decimal.Decimal `db:"price"`
	Amount          decimal.Decimal `db:"amount"`
	Exchange        string          `db:"exchange"`
	TsMs            int64           `db:"ts_ms"`
	Status          string          `db:"status"`
	FilledAmount    decimal.Decimal `db:"filled_amount"`
	ExchangeOrderID *string         `db:"exchange_order_id"`
	SentToAgg       bool            `db:"sent_to_agg"`
	CancelRequested bool            `db:"cancel_requested"`
}

func (r subOrderRow) toModel() *model.SubOrder {
	return &model.SubOrder{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Side:            model.Side(r.Side),
		Price:           r.Price,
		Amount:          r.Amount,
		Exchange:        r.Exchange,
		Timestamp:       r.TsMs,
		Status:          model.SubOrderStatus(r.Status),
		FilledAmount:    r.FilledAmount,
		ExchangeOrderID: r.ExchangeOrderID,
		SentToAgg:       r.SentToAgg,
		CancelRequested: r.CancelRequested,
	}
}

func fromModelSubOrder(o *model.SubOrder) subOrderRow {
	return subOrderRow{
		ID:              o.ID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Price:           o.Price,
		Amount:          o.Amount,
		Exchange:        o.Exchange,
		TsMs:            o.Timestamp,
		Status:          string(o.Status),
		FilledAmount:    o.FilledAmount,
		ExchangeOrderID: o.ExchangeOrderID,
		SentToAgg:       o.SentToAgg,
		CancelRequested: o.CancelRequested,
	}
}

func (p *Postgres) InsertSubOrder(ctx context.Context, o *model.SubOrder) error {
	r := fromModelSubOrder(o)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO sub_orders (id, symbol, side, price, amount, exchange, ts_ms, status, filled_amount, exchange_order_id, sent_to_agg, cancel_requested)
		VALUES (:id, :symbol, :side, :price, :amount, :exchange, :ts_ms, :status, :filled_amount, :exchange_order_id, :sent_to_agg, :cancel_requested)
		ON CONFLICT (id) DO NOTHING
	`, r)
	if err != nil {
		return fmt.Errorf("store: insert sub_order %d: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateSubOrder(ctx context.Context, o *model.SubOrder) error {
	r := fromModelSubOrder(o)
	_, err := p.db.NamedExecContext(ctx, `
		UPDATE sub_orders SET
			status = :status,
			filled_amount = :filled_amount,
			exchange_order_id = :exchange_order_id,
			sent_to_agg = :sent_to_agg,
			cancel_requested = :cancel_requested
		WHERE id = :id
	`, r)
	if err != nil {
		return fmt.Errorf("store: update sub_order %d: %w", o.ID, err)
	}
	return nil
}

func (p *Postgres) GetSubOrderByID(ctx context.Context, id int64) (*model.SubOrder, error) {
	var r subOrderRow
	err := p.db.GetContext(ctx, &r, `SELECT * FROM sub_orders WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sub_order %d: %w", id, err)
	}
	return r.toModel(), nil
}

func (p *Postgres) GetSubOrder(ctx context.Context, exchange, exchangeOrderID string) (*model.SubOrder, error) {
	var r subOrderRow
	err := p.db.GetContext(ctx, &r, `SELECT * FROM sub_orders WHERE exchange = $1 AND exchange_order_id = $2`, exchange, exchangeOrderID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get sub_order (%s,%s): %w", exchange, exchangeOrderID, err)
	}
	return r.toModel(), nil
}

func (p *Postgres) queryRows(ctx context.Context, q string, args ...any) ([]*model.SubOrder, error) {
	var rows []subOrderRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("store: query sub_orders: %w", err)
	}
	out := make([]*model.SubOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *Postgres) GetOpenSubOrders(ctx context.Context) ([]*model.SubOrder, error) {
	return p.queryRows(ctx, `SELECT * FROM sub_orders WHERE status IN ('PREPARE','ACCEPTED') ORDER BY id`)
}

func (p *Postgres) GetSubOrdersToCheck(ctx context.Context) ([]*model.SubOrder, error) {
	return p.queryRows(ctx, `SELECT * FROM sub_orders WHERE status = 'ACCEPTED' AND exchange_order_id IS NOT NULL ORDER BY id`)
}

func (p *Postgres) GetSubOrdersToResend(ctx context.Context) ([]*model.SubOrder, error) {
	return p.queryRows(ctx, `SELECT * FROM sub_orders WHERE status IN ('FILLED','CANCELED','REJECTED') AND sent_to_agg = FALSE ORDER BY id`)
}

type tradeRow struct {
	Exchange        string          `db:"exchange"`
	ExchangeOrderID string          `db:"exchange_order_id"`
	Price           decimal.Decimal `db:"price"`
	Amount          decimal.Decimal `db:"amount"`
	Status          string          `db:"status"`
}

func (r tradeRow) toModel() *model.Trade {
	return &model.Trade{
		Exchange:        r.Exchange,
		ExchangeOrderID: r.ExchangeOrderID,
		Price:           r.Price,
		Amount:          r.Amount,
		Status:          model.TradeStatus(r.Status),
	}
}

func (p *Postgres) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (exchange, exchange_order_id, price, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (exchange, exchange_order_id) DO NOTHING
	`, t.Exchange, t.ExchangeOrderID, t.Price, t.Amount, string(t.Status))
	if err != nil {
		return fmt.Errorf("store: insert trade (%s,%s): %w", t.Exchange, t.ExchangeOrderID, err)
	}
	return nil
}

func (p *Postgres) GetSubOrderTrades(ctx context.Context, exchange, exchangeOrderID string) ([]*model.Trade, error) {
	var rows []tradeRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM trades WHERE exchange = $1 AND exchange_order_id = $2`, exchange, exchangeOrderID)
	if err != nil {
		return nil, fmt.Errorf("store: get trades (%s,%s): %w", exchange, exchangeOrderID, err)
	}
	out := make([]*model.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

type withdrawalRow struct {
	ExchangeWithdrawID string          `db:"exchange_withdraw_id"`
	Exchange           string          `db:"exchange"`
	Currency           string          `db:"currency"`
	Amount             decimal.Decimal `db:"amount"`
	Status             string          `db:"status"`
}

func (r withdrawalRow) toModel() *model.Withdrawal {
	return &model.Withdrawal{
		ExchangeWithdrawID: r.ExchangeWithdrawID,
		Exchange:           r.Exchange,
		Currency:           r.Currency,
		Amount:             r.Amount,
		Status:             model.WithdrawStatus(r.Status),
	}
}

func (p *Postgres) InsertWithdraw(ctx context.Context, w *model.Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (exchange_withdraw_id, exchange, currency, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (exchange_withdraw_id) DO NOTHING
	`, w.ExchangeWithdrawID, w.Exchange, w.Currency, w.Amount, string(w.Status))
	if err != nil {
		return fmt.Errorf("store: insert withdraw %s: %w", w.ExchangeWithdrawID, err)
	}
	return nil
}

func (p *Postgres) UpdateWithdrawStatus(ctx context.Context, exchangeWithdrawID string, status model.WithdrawStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE withdrawals SET status = $1 WHERE exchange_withdraw_id = $2`, string(status), exchangeWithdrawID)
	if err != nil {
		return fmt.Errorf("store: update withdraw %s: %w", exchangeWithdrawID, err)
	}
	return nil
}

func (p *Postgres) GetWithdrawsToCheck(ctx context.Context) ([]*model.Withdrawal, error) {
	var rows []withdrawalRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM withdrawals WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("store: get withdraws to check: %w", err)
	}
	out := make([]*model.Withdrawal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *Postgres) HasPendingWithdraw(ctx context.Context) (bool, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM withdrawals WHERE status = 'pending'`)
	if err != nil {
		return false, fmt.Errorf("store: count pending withdraws: %w", err)
	}
	return n > 0, nil
}

type transactionRow struct {
	TransactionHash string          `db:"transaction_hash"`
	Method          string          `db:"method"`
	Asset           string          `db:"asset"`
	Amount          decimal.Decimal `db:"amount"`
	CreateTime      int64           `db:"create_time"`
	Status          string          `db:"status"`
}

func (r transactionRow) toModel() *model.Transaction {
	return &model.Transaction{
		TransactionHash: r.TransactionHash,
		Method:          r.Method,
		Asset:           r.Asset,
		Amount:          r.Amount,
		CreateTime:      r.CreateTime,
		Status:          model.TxStatus(r.Status),
	}
}

func (p *Postgres) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_hash, method, asset, amount, create_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_hash) DO NOTHING
	`, t.TransactionHash, t.Method, t.Asset, t.Amount, t.CreateTime, string(t.Status))
	if err != nil {
		return fmt.Errorf("store: insert transaction %s: %w", t.TransactionHash, err)
	}
	return nil
}

func (p *Postgres) UpdateTransactionStatus(ctx context.Context, hash string, status model.TxStatus) error {
	_, err := p.db.ExecContext(ctx, `UPDATE transactions SET status = $1 WHERE transaction_hash = $2`, string(status), hash)
	if err != nil {
		return fmt.Errorf("store: update transaction %s: %w", hash, err)
	}
	return nil
}

func (p *Postgres) GetPendingTransactions(ctx context.Context) ([]*model.Transaction, error) {
	var rows []transactionRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM transactions WHERE status = 'PENDING'`)
	if err != nil {
		return nil, fmt.Errorf("store: get pending transactions: %w", err)
	}
	out := make([]*model.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (p *Postgres) HasPendingTransaction(ctx context.Context) (bool, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE status = 'PENDING'`)
	if err != nil {
		return false, fmt.Errorf("store: count pending transactions: %w", err)
	}
	return n > 0, nil
}

var _ Store = (*Postgres)(nil)
