package gasfeed

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScaleFast(t *testing.T) {
	cases := []struct {
		fast int64
		want int64
	}{
		{10, 1},
		{11, 2}, // rounds up
		{100, 10},
		{2999, 300},
		{3000, 300},
		{3001, 301},
	}
	for _, tc := range cases {
		if got := ScaleFast(tc.fast); got != tc.want {
			t.Errorf("ScaleFast(%d) = %d, want %d", tc.fast, got, tc.want)
		}
	}
}

func feedServer(t *testing.T, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestFastGasPriceWei(t *testing.T) {
	c := feedServer(t, `{"fast": 250}`)
	wei, err := c.FastGasPriceWei(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// 250/10 = 25 gwei
	want := new(big.Int).Mul(big.NewInt(25), big.NewInt(1_000_000_000))
	if wei.Cmp(want) != 0 {
		t.Fatalf("wei = %s, want %s", wei, want)
	}
}

func TestFastGasPriceRejectedAboveCap(t *testing.T) {
	c := feedServer(t, `{"fast": 3010}`) // 301 gwei after scaling
	_, err := c.FastGasPriceWei(context.Background())
	if !errors.Is(err, ErrGasPriceTooHigh) {
		t.Fatalf("err = %v, want ErrGasPriceTooHigh", err)
	}
}

func TestFastGasPriceAtCapAllowed(t *testing.T) {
	c := feedServer(t, `{"fast": 3000}`) // exactly 300 gwei
	if _, err := c.FastGasPriceWei(context.Background()); err != nil {
		t.Fatalf("300 gwei should pass: %v", err)
	}
}
