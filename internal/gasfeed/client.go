// Package gasfeed fetches the current gas price from an external gwei feed.
// The broker uses the feed's "fast" value divided by 10, rounded up, and
// refuses to transact above 300 gwei.
package gasfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const MaxGwei = 300

var ErrGasPriceTooHigh = errors.New("gasfeed: network gas price above cap")

type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("gasfeed: host required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("gasfeed url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("gasfeed url must be http(s), got %q", host)
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

type feedResponse struct {
	Fast json.Number `json:"fast"`
}

// FastGasPriceWei returns the fast gas price in wei, scaled down by the
// feed's 10x convention and rounded up. Fails with ErrGasPriceTooHigh when
// the scaled price exceeds MaxGwei.
func (c *Client) FastGasPriceWei(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("gasfeed: status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var fr feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("gasfeed decode: %w", err)
	}

	fast, err := fr.Fast.Int64()
	if err != nil {
		return nil, fmt.Errorf("gasfeed: non-integer fast value %q: %w", fr.Fast.String(), err)
	}
	if fast <= 0 {
		return nil, fmt.Errorf("gasfeed: invalid fast value %d", fast)
	}

	gwei := ScaleFast(fast)
	if gwei > MaxGwei {
		return nil, fmt.Errorf("%w: %d gwei", ErrGasPriceTooHigh, gwei)
	}

	wei := new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000))
	return wei, nil
}

// ScaleFast converts the feed's 10x-scaled fast value to gwei, rounding up.
func ScaleFast(fast int64) int64 {
	return (fast + 9) / 10
}
