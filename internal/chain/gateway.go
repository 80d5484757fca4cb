package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
)

// Gateway is the read/broadcast client for the blockchain gateway's
// /broker REST surface.
type Gateway struct {
	host       string
	httpClient *http.Client
}

func NewGateway(host string) (*Gateway, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("chain: gateway host required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("chain: gateway url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("chain: gateway url must be http(s), got %q", host)
	}
	return &Gateway{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

func (g *Gateway) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.host+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: gateway GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("chain: decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}

func (g *Gateway) GetAllowance(ctx context.Context, addr common.Address, asset string) (decimal.Decimal, error) {
	var raw string
	if err := g.getJSON(ctx, "/broker/getAllowance/"+addr.Hex()+"/"+url.PathEscape(asset), &raw); err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: allowance %q: %w", raw, err)
	}
	return d, nil
}

// GetNonce returns the next transaction nonce for addr. A gateway response
// without a nonce fails with ErrNonceUnavailable.
func (g *Gateway) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var resp struct {
		Nonce *uint64 `json:"nonce"`
	}
	if err := g.getJSON(ctx, "/broker/getNonce/"+addr.Hex(), &resp); err != nil {
		return 0, err
	}
	if resp.Nonce == nil {
		return 0, ErrNonceUnavailable
	}
	return *resp.Nonce, nil
}

func (g *Gateway) GetStake(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	var resp struct {
		Stake decimal.Decimal `json:"stake"`
	}
	if err := g.getJSON(ctx, "/broker/getStake/"+addr.Hex(), &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Stake, nil
}

// GetStakes returns the global stake tiers published by the settlement
// contract, keyed by tier name.
func (g *Gateway) GetStakes(ctx context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if err := g.getJSON(ctx, "/stakes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) GetTransactionStatus(ctx context.Context, hash string) (model.TxStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := g.getJSON(ctx, "/broker/getTransactionStatus/"+url.PathEscape(hash), &resp); err != nil {
		return "", err
	}
	switch strings.ToUpper(resp.Status) {
	case "PENDING":
		return model.TxPending, nil
	case "OK", "SUCCESS":
		return model.TxOK, nil
	case "FAIL", "FAILED":
		return model.TxFail, nil
	case "NONE", "":
		return model.TxNone, nil
	default:
		return "", fmt.Errorf("chain: unknown transaction status %q for %s", resp.Status, hash)
	}
}

type liabilityRow struct {
	AssetName string          `json:"assetName"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

func (g *Gateway) GetLiabilities(ctx context.Context, addr common.Address) ([]model.Liability, error) {
	var rows []liabilityRow
	if err := g.getJSON(ctx, "/broker/getLiabilities/"+addr.Hex(), &rows); err != nil {
		return nil, err
	}
	out := make([]model.Liability, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Liability{
			AssetName:         strings.ToUpper(strings.TrimSpace(r.AssetName)),
			OutstandingAmount: r.Amount,
			Timestamp:         r.Timestamp,
		})
	}
	return out, nil
}

func (g *Gateway) GetContractBalance(ctx context.Context, addr common.Address) (map[string]decimal.Decimal, error) {
	return g.getBalances(ctx, "/broker/getContractBalance/"+addr.Hex())
}

func (g *Gateway) GetWalletBalance(ctx context.Context, addr common.Address) (map[string]decimal.Decimal, error) {
	return g.getBalances(ctx, "/broker/getWalletBalance/"+addr.Hex())
}

func (g *Gateway) getBalances(ctx context.Context, path string) (map[string]decimal.Decimal, error) {
	raw := make(map[string]decimal.Decimal)
	if err := g.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out, nil
}

// Execute broadcasts a signed raw transaction through the gateway.
func (g *Gateway) Execute(ctx context.Context, signedTxRaw string) error {
	body, err := json.Marshal(map[string]string{"signedTxRaw": signedTxRaw})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.host+"/broker/execute", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return fmt.Errorf("chain: gateway execute: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
