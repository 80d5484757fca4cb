package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orion-broker/internal/model"
)

const defaultPingInterval = 5 * time.Second

var errNotConnected = errors.New("hub: not connected")

type Options struct {
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 15 * time.Second
	}
	return o
}

// Client is the websocket hub transport. It dials with backoff, signs in via
// the supplied connect callback, dispatches inbound commands to Handlers, and
// exposes the outbound Gateway surface.
type Client struct {
	url      string
	opts     Options
	handlers Handlers

	// connectInfo produces a freshly signed ConnectInfo for each session.
	connectInfo func() (ConnectInfo, error)

	mu           sync.Mutex
	conn         *websocket.Conn
	lastBalances string
}

func NewClient(url string, handlers Handlers, connectInfo func() (ConnectInfo, error), opts Options) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("hub: url required")
	}
	if handlers == nil {
		return nil, fmt.Errorf("hub: handlers required")
	}
	if connectInfo == nil {
		return nil, fmt.Errorf("hub: connect callback required")
	}
	return &Client{
		url:         url,
		opts:        opts.withDefaults(),
		handlers:    handlers,
		connectInfo: connectInfo,
	}, nil
}

// Run dials and serves sessions until ctx is canceled. Reconnects with
// jittered exponential backoff; handlers.OnReconnect fires for every session
// after the first so the supervisor can re-register.
func (c *Client) Run(ctx context.Context) {
	backoff := c.opts.BackoffMin
	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			log.Printf("[warn] hub dial: %v", err)
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, c.opts.BackoffMax)
			continue
		}
		backoff = c.opts.BackoffMin

		c.setConn(conn)
		if err := c.sendConnect(); err != nil {
			log.Printf("[warn] hub connect handshake: %v", err)
			c.setConn(nil)
			_ = conn.Close()
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, c.opts.BackoffMax)
			continue
		}

		if !first {
			c.handlers.OnReconnect(ctx)
		}
		first = false

		if err := c.runSession(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[warn] hub session: %v", err)
		}
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, c.opts.BackoffMax)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) sendConnect() error {
	info, err := c.connectInfo()
	if err != nil {
		return err
	}
	return c.send(msgConnect, connectPayload{
		Address:   info.Address,
		Time:      info.Time,
		Signature: info.Signature,
	})
}

func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	go func() {
		defer stopAll()
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				c.mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
				werr := conn.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if werr != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			stopAll()
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("hub read: %w", err)
		}
		if typ != websocket.TextMessage || len(msg) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("[warn] hub decode: %v", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

// dispatch invokes the matching handler and replies with the resulting
// sub-order status when one exists. Handler errors are logged, never fatal.
func (c *Client) dispatch(ctx context.Context, env envelope) {
	switch env.Type {
	case msgCreateSubOrder:
		var p createSubOrderPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[warn] hub %s decode: %v", env.Type, err)
			return
		}
		side, err := parseSide(p.Side)
		if err != nil {
			log.Printf("[warn] hub %s id=%d: %v", env.Type, p.ID, err)
			return
		}
		st, err := c.handlers.OnCreateSubOrder(ctx, model.CreateSubOrderRequest{
			ID:       p.ID,
			Symbol:   p.Symbol,
			Side:     side,
			Price:    p.Price,
			Amount:   p.Amount,
			Exchange: p.Exchange,
		})
		if err != nil {
			log.Printf("[warn] hub create id=%d: %v", p.ID, err)
			return
		}
		c.reply(env.ID, st)

	case msgCancelSubOrder:
		var p subOrderIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[warn] hub %s decode: %v", env.Type, err)
			return
		}
		st, err := c.handlers.OnCancelSubOrder(ctx, p.ID)
		if err != nil {
			log.Printf("[warn] hub cancel id=%d: %v", p.ID, err)
			return
		}
		if st != nil {
			c.reply(env.ID, *st)
		}

	case msgCheckSubOrder:
		var p subOrderIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[warn] hub %s decode: %v", env.Type, err)
			return
		}
		st, err := c.handlers.OnCheckSubOrder(ctx, p.ID)
		if err != nil {
			log.Printf("[warn] hub check id=%d: %v", p.ID, err)
			return
		}
		c.reply(env.ID, st)

	case msgStatusAccepted:
		var p statusAcceptedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[warn] hub %s decode: %v", env.Type, err)
			return
		}
		if err := c.handlers.OnSubOrderStatusAccepted(ctx, p.ID, model.SubOrderStatus(p.Status)); err != nil {
			log.Printf("[warn] hub status accepted id=%d: %v", p.ID, err)
		}

	default:
		log.Printf("[warn] hub: unknown message type %q", env.Type)
	}
}

func (c *Client) reply(correlationID string, st model.SubOrderStatusMsg) {
	if err := c.sendWithID(correlationID, msgSubOrderStatus, toWireStatus(st)); err != nil {
		log.Printf("[warn] hub reply id=%d: %v", st.ID, err)
	}
}

func (c *Client) send(msgType string, payload any) error {
	return c.sendWithID(uuid.NewString(), msgType, payload)
}

func (c *Client) sendWithID(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{ID: id, Type: msgType, Payload: raw})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Gateway surface.

func (c *Client) SendSubOrderStatus(_ context.Context, st model.SubOrderStatusMsg) error {
	return c.send(msgSubOrderStatus, toWireStatus(st))
}

func (c *Client) SendBalances(_ context.Context, balances map[string]map[string]string) error {
	raw, err := json.Marshal(balances)
	if err != nil {
		return err
	}
	if err := c.sendWithID(uuid.NewString(), msgBalances, json.RawMessage(raw)); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastBalances = string(raw)
	c.mu.Unlock()
	return nil
}

func (c *Client) Register(_ context.Context, info RegisterInfo) error {
	return c.send(msgRegister, info)
}

func (c *Client) GetLastBalancesJson() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBalances
}

var _ Gateway = (*Client)(nil)

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int63n(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
