// Package tokenregistry holds the process-wide token-symbol -> address/decimals
// map. It is initialized once at startup and passed by reference to the chain
// client and exchange adapters.
package tokenregistry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// Registry is safe for concurrent reads; it is built once at startup and
// never mutated afterward in normal operation.
type Registry struct {
	mu    sync.RWMutex
	bySym map[string]Token
}

func New() *Registry {
	return &Registry{bySym: make(map[string]Token)}
}

// Parse builds a Registry from entries of the form "SYMBOL=0xAddress:decimals",
// separated by commas, semicolons or whitespace, e.g.
// "ORN=0xda41...:8,USDT=0xdac1...:6,ETH=0x0000...:18".
func Parse(raw string) (*Registry, error) {
	trimmed := strings.TrimSpace(raw)
	r := New()
	if trimmed == "" {
		return r, nil
	}

	entries := strings.FieldsFunc(trimmed, func(c rune) bool {
		switch c {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		tok, err := parseEntry(e)
		if err != nil {
			return nil, fmt.Errorf("tokenregistry: %w", err)
		}
		r.Put(tok)
	}
	return r, nil
}

func parseEntry(e string) (Token, error) {
	symAndRest := strings.SplitN(e, "=", 2)
	if len(symAndRest) != 2 {
		return Token{}, fmt.Errorf("entry %q: expected SYMBOL=ADDRESS:DECIMALS", e)
	}
	symbol := strings.ToUpper(strings.TrimSpace(symAndRest[0]))
	if symbol == "" {
		return Token{}, fmt.Errorf("entry %q: empty symbol", e)
	}

	addrAndDec := strings.SplitN(symAndRest[1], ":", 2)
	if len(addrAndDec) != 2 {
		return Token{}, fmt.Errorf("entry %q: expected ADDRESS:DECIMALS", e)
	}
	addrStr := strings.TrimSpace(addrAndDec[0])
	if !common.IsHexAddress(addrStr) {
		return Token{}, fmt.Errorf("entry %q: invalid hex address %q", e, addrStr)
	}
	decimals, err := strconv.Atoi(strings.TrimSpace(addrAndDec[1]))
	if err != nil || decimals < 0 || decimals > 36 {
		return Token{}, fmt.Errorf("entry %q: invalid decimals", e)
	}

	return Token{
		Symbol:   symbol,
		Address:  common.HexToAddress(addrStr),
		Decimals: decimals,
	}, nil
}

func (r *Registry) Put(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySym[t.Symbol] = t
}

func (r *Registry) Lookup(symbol string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySym[strings.ToUpper(symbol)]
	return t, ok
}

// MustLookup is for call sites where an unknown symbol is a programming
// error (e.g. the fixed ORN fee asset), not a runtime condition to handle.
func (r *Registry) MustLookup(symbol string) Token {
	t, ok := r.Lookup(symbol)
	if !ok {
		panic(fmt.Sprintf("tokenregistry: unknown symbol %q", symbol))
	}
	return t
}
