// Package hub carries the broker<->aggregator protocol: inbound sub-order
// commands dispatched to the engine's handlers, and outbound status, balance
// and registration pushes. The transport is a websocket; the message
// semantics are transport-agnostic.
package hub

import (
	"context"

	"orion-broker/internal/model"
)

// Handlers is the inbound contract the transport invokes on message receipt.
// The sub-order engine provides the sub-order handlers and the supervisor
// adds OnReconnect; the transport holds a read-only reference so the
// broker<->hub cycle resolves cleanly.
type Handlers interface {
	OnCreateSubOrder(ctx context.Context, req model.CreateSubOrderRequest) (model.SubOrderStatusMsg, error)
	// OnCancelSubOrder returns nil when no immediate status answer exists
	// (PREPARE or ACCEPTED; the terminal status arrives asynchronously).
	OnCancelSubOrder(ctx context.Context, id int64) (*model.SubOrderStatusMsg, error)
	OnCheckSubOrder(ctx context.Context, id int64) (model.SubOrderStatusMsg, error)
	OnSubOrderStatusAccepted(ctx context.Context, id int64, status model.SubOrderStatus) error
	OnReconnect(ctx context.Context)
}

// ConnectInfo authenticates the broker to the hub: a personal-message
// signature over the decimal string of Time.
type ConnectInfo struct {
	Address   string
	Time      int64
	Signature string
}

// RegisterInfo is the operator metadata announced after connect.
type RegisterInfo struct {
	Address   string   `json:"address"`
	Version   string   `json:"version"`
	Exchanges []string `json:"exchanges"`
}

// Gateway is the outbound half of the hub protocol.
type Gateway interface {
	SendSubOrderStatus(ctx context.Context, st model.SubOrderStatusMsg) error
	SendBalances(ctx context.Context, balances map[string]map[string]string) error
	Register(ctx context.Context, info RegisterInfo) error
	// GetLastBalancesJson returns the last balances payload successfully sent,
	// used to suppress duplicate pushes.
	GetLastBalancesJson() string
}
