package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
	"orion-broker/internal/tokenregistry"
)

// RestConfig configures a RestAdapter for one venue.
type RestConfig struct {
	Name   string
	Host   string
	Key    string
	Secret string

	// WithdrawEnabled gates the withdraw surface; venues without API
	// withdrawals still serve as placement venues.
	WithdrawEnabled bool

	// RequiresTransfer marks venues that keep trading and funding balances in
	// separate accounts and need an explicit transfer before a withdrawal.
	RequiresTransfer bool
}

// RestAdapter talks to a venue's signed REST API. One instance per venue.
type RestAdapter struct {
	cfg        RestConfig
	httpClient *http.Client
	registry   *tokenregistry.Registry

	mu sync.RWMutex
	cb TradeCallback
}

func NewRestAdapter(cfg RestConfig, registry *tokenregistry.Registry) (*RestAdapter, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, fmt.Errorf("exchange: venue name required")
	}
	cfg.Host = strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if !strings.HasPrefix(cfg.Host, "http") {
		return nil, fmt.Errorf("exchange %s: host must be http(s), got %q", cfg.Name, cfg.Host)
	}
	if registry == nil {
		return nil, fmt.Errorf("exchange %s: token registry required", cfg.Name)
	}
	return &RestAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		registry:   registry,
	}, nil
}

func (a *RestAdapter) Name() string { return a.cfg.Name }

func (a *RestAdapter) SetTradeCallback(cb TradeCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
}

func (a *RestAdapter) tradeCallback() TradeCallback {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cb
}

type venueOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
}

type submitResponse struct {
	Order  *venueOrder `json:"order"`
	Error  string      `json:"error"`
	Reason string      `json:"reason"`
}

func (a *RestAdapter) SubmitSubOrder(ctx context.Context, id int64, symbol string, side model.Side, amount, price decimal.Decimal) (string, error) {
	body := map[string]any{
		"clientOrderId": strconv.FormatInt(id, 10),
		"symbol":        symbol,
		"side":          string(side),
		"amount":        amount.String(),
		"price":         price.String(),
		"type":          "LIMIT",
	}
	var resp submitResponse
	if err := a.doSigned(ctx, http.MethodPost, "/api/v1/order", nil, body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if resp.Order == nil || resp.Order.OrderID == "" {
		reason := resp.Error
		if reason == "" {
			reason = resp.Reason
		}
		return "", fmt.Errorf("%w: %s", ErrSubmit, reason)
	}
	return resp.Order.OrderID, nil
}

func (a *RestAdapter) CancelSubOrder(ctx context.Context, o *model.SubOrder) error {
	if o.ExchangeOrderID == nil {
		return fmt.Errorf("exchange %s: cancel without venue order id", a.cfg.Name)
	}
	params := url.Values{"orderId": []string{*o.ExchangeOrderID}, "symbol": []string{o.Symbol}}
	return a.doSigned(ctx, http.MethodDelete, "/api/v1/order", params, nil, nil)
}

type balanceEntry struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
}

func (a *RestAdapter) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var entries []balanceEntry
	if err := a.doSigned(ctx, http.MethodGet, "/api/v1/balances", nil, nil, &entries); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		sym := strings.ToUpper(strings.TrimSpace(e.Currency))
		if sym == "" {
			continue
		}
		// Only currencies the chain recognizes are reportable to the hub or
		// usable for liability discharge.
		if _, ok := a.registry.Lookup(sym); !ok {
			continue
		}
		out[sym] = e.Free
	}
	return out, nil
}

func (a *RestAdapter) CheckSubOrders(ctx context.Context, orders []*model.SubOrder) error {
	cb := a.tradeCallback()
	for _, o := range orders {
		if o.ExchangeOrderID == nil {
			continue
		}
		params := url.Values{"orderId": []string{*o.ExchangeOrderID}, "symbol": []string{o.Symbol}}
		var vo venueOrder
		if err := a.doSigned(ctx, http.MethodGet, "/api/v1/order", params, nil, &vo); err != nil {
			log.Printf("[warn] exchange %s: check order %s: %v", a.cfg.Name, *o.ExchangeOrderID, err)
			continue
		}

		var status model.TradeStatus
		switch strings.ToUpper(vo.Status) {
		case "FILLED":
			status = model.TradeFilled
		case "CANCELED", "CANCELLED", "EXPIRED":
			status = model.TradeCanceled
		case "NEW", "OPEN", "PARTIALLY_FILLED", "ACCEPTED":
			continue
		default:
			log.Printf("[warn] exchange %s: order %s unknown status %q", a.cfg.Name, *o.ExchangeOrderID, vo.Status)
			continue
		}

		// Venues may omit filled on canceled orders; the decoded zero value is
		// the correct amount in that case.
		filled := vo.Filled
		price := vo.Price
		if price.IsZero() {
			price = o.Price
		}

		if cb != nil {
			cb(ctx, model.Trade{
				Exchange:        a.cfg.Name,
				ExchangeOrderID: *o.ExchangeOrderID,
				Price:           price,
				Amount:          filled,
				Status:          status,
			})
		}
	}
	return nil
}

func (a *RestAdapter) HasWithdraw() bool { return a.cfg.WithdrawEnabled }

type withdrawLimitResp struct {
	Min decimal.Decimal `json:"min"`
	Fee decimal.Decimal `json:"fee"`
}

func (a *RestAdapter) GetWithdrawLimit(ctx context.Context, currency string) (WithdrawLimit, error) {
	params := url.Values{"currency": []string{currency}}
	var resp withdrawLimitResp
	if err := a.doSigned(ctx, http.MethodGet, "/api/v1/withdraw/limit", params, nil, &resp); err != nil {
		return WithdrawLimit{}, err
	}
	return WithdrawLimit{Min: resp.Min, Fee: resp.Fee}, nil
}

type withdrawResp struct {
	WithdrawID string `json:"withdrawId"`
}

func (a *RestAdapter) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (string, bool) {
	if !a.cfg.WithdrawEnabled {
		return "", false
	}

	// Some venues hold tradable funds in a separate account; move them to the
	// funding account before the withdrawal or the venue rejects it.
	if a.cfg.RequiresTransfer {
		body := map[string]any{
			"currency": currency,
			"amount":   amount.String(),
			"from":     "trading",
			"to":       "funding",
		}
		if err := a.doSigned(ctx, http.MethodPost, "/api/v1/transfer", nil, body, nil); err != nil {
			log.Printf("[warn] exchange %s: pre-withdraw transfer %s %s: %v", a.cfg.Name, amount, currency, err)
			return "", false
		}
	}

	body := map[string]any{
		"currency": currency,
		"amount":   amount.String(),
		"address":  address,
	}
	var resp withdrawResp
	if err := a.doSigned(ctx, http.MethodPost, "/api/v1/withdraw", nil, body, &resp); err != nil {
		log.Printf("[warn] exchange %s: withdraw %s %s: %v", a.cfg.Name, amount, currency, err)
		return "", false
	}
	if resp.WithdrawID == "" {
		log.Printf("[warn] exchange %s: withdraw %s %s: venue returned no id", a.cfg.Name, amount, currency)
		return "", false
	}
	return resp.WithdrawID, true
}

type venueWithdraw struct {
	WithdrawID string `json:"withdrawId"`
	Status     string `json:"status"`
	TxID       string `json:"txId"`
}

func (a *RestAdapter) CheckWithdraws(ctx context.Context, ws []*model.Withdrawal) ([]WithdrawStatusUpdate, error) {
	out := make([]WithdrawStatusUpdate, 0, len(ws))
	for _, w := range ws {
		params := url.Values{"withdrawId": []string{w.ExchangeWithdrawID}}
		var vw venueWithdraw
		if err := a.doSigned(ctx, http.MethodGet, "/api/v1/withdraw", params, nil, &vw); err != nil {
			log.Printf("[warn] exchange %s: check withdraw %s: %v", a.cfg.Name, w.ExchangeWithdrawID, err)
			continue
		}
		status := mapWithdrawStatus(vw)
		if status == model.WithdrawPending {
			continue
		}
		out = append(out, WithdrawStatusUpdate{ExchangeWithdrawID: w.ExchangeWithdrawID, Status: status})
	}
	return out, nil
}

// mapWithdrawStatus normalizes venue withdraw statuses. Some venues report
// "ok" while the withdrawal is still broadcasting; without a transaction id it
// has not actually left the venue, so downgrade to pending.
func mapWithdrawStatus(vw venueWithdraw) model.WithdrawStatus {
	switch strings.ToLower(vw.Status) {
	case "ok", "success", "completed":
		if vw.TxID == "" {
			return model.WithdrawPending
		}
		return model.WithdrawOK
	case "failed", "failure", "error":
		return model.WithdrawFailed
	case "canceled", "cancelled":
		return model.WithdrawCanceled
	default:
		return model.WithdrawPending
	}
}

func (a *RestAdapter) doSigned(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.Host+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	ts := time.Now().UnixMilli()
	req.Header.Set("X-API-KEY", a.cfg.Key)
	req.Header.Set("X-API-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-API-SIGNATURE", signRequest(a.cfg.Secret, ts, method, requestPath, payload))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("exchange %s %s %s: status %d: %s", a.cfg.Name, method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("exchange %s: decode %s response: %w (body=%s)", a.cfg.Name, path, err, strings.TrimSpace(string(b)))
	}
	return nil
}

// signRequest builds the venue HMAC: message = timestamp + method + requestPath + body.
func signRequest(secret string, timestamp int64, method, requestPath string, body []byte) string {
	var sb strings.Builder
	sb.Grow(32 + len(method) + len(requestPath) + len(body))
	sb.WriteString(strconv.FormatInt(timestamp, 10))
	sb.WriteString(method)
	sb.WriteString(requestPath)
	if body != nil {
		sb.Write(body)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Adapter = (*RestAdapter)(nil)
