// Package supervisor wires the broker's components and owns the lifecycle of
// the hub connection and the background loops. The engine is constructed
// first, the hub transport holds its handlers, and the reconciler timers run
// independently of the transport: a dropped hub connection resigns and
// reconnects without restarting the loops.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"orion-broker/internal/broker"
	"orion-broker/internal/chain"
	"orion-broker/internal/hub"
	"orion-broker/internal/reconciler"
	"orion-broker/internal/state"
)

const Version = "0.1.0"

type Config struct {
	HubURL         string
	CheckpointPath string
	Exchanges      []string
}

type Supervisor struct {
	cfg       Config
	engine    *broker.Engine
	rec       *reconciler.Reconciler
	chain     *chain.Client
	hubClient *hub.Client

	registerOnce sync.Once
}

// handlerSet exposes the engine's handlers to the transport and routes
// OnReconnect to the supervisor.
type handlerSet struct {
	*broker.Engine
	s *Supervisor
}

func (h handlerSet) OnReconnect(ctx context.Context) { h.s.onReconnect(ctx) }

func New(cfg Config, engine *broker.Engine, rec *reconciler.Reconciler, chainClient *chain.Client) (*Supervisor, error) {
	if engine == nil || rec == nil || chainClient == nil {
		return nil, fmt.Errorf("supervisor: engine, reconciler and chain client required")
	}
	s := &Supervisor{
		cfg:    cfg,
		engine: engine,
		rec:    rec,
		chain:  chainClient,
	}

	hubClient, err := hub.NewClient(cfg.HubURL, handlerSet{Engine: engine, s: s}, s.connectInfo, hub.Options{})
	if err != nil {
		return nil, err
	}
	s.hubClient = hubClient
	engine.SetGateway(hubClient)
	return s, nil
}

// Gateway returns the hub transport for wiring into the reconciler.
func (s *Supervisor) Gateway() hub.Gateway { return s.hubClient }

// connectInfo signs the current time as a personal message; the hub verifies
// it against the broker address. Called fresh for every transport session.
func (s *Supervisor) connectInfo() (hub.ConnectInfo, error) {
	now := time.Now().UnixMilli()
	sig, err := s.chain.Signer().Sign(strconv.FormatInt(now, 10))
	if err != nil {
		return hub.ConnectInfo{}, err
	}
	return hub.ConnectInfo{
		Address:   s.chain.Address().Hex(),
		Time:      now,
		Signature: sig,
	}, nil
}

func (s *Supervisor) onReconnect(ctx context.Context) {
	log.Printf("[info] hub transport reestablished, re-registering")
	s.register(ctx)
}

func (s *Supervisor) register(ctx context.Context) {
	info := hub.RegisterInfo{
		Address:   s.chain.Address().Hex(),
		Version:   Version,
		Exchanges: s.cfg.Exchanges,
	}
	if err := s.hubClient.Register(ctx, info); err != nil {
		log.Printf("[warn] supervisor register: %v", err)
	}
}

// checkRegistration compares the persisted identity to the runtime one; a
// mismatch is loud but not fatal (the operator may have rotated the key on
// purpose).
func (s *Supervisor) checkRegistration() {
	if s.cfg.CheckpointPath == "" {
		return
	}
	addr := s.chain.Address().Hex()
	chainID := s.chain.Signer().ChainID()

	ckpt, found, err := state.LoadCheckpoint(s.cfg.CheckpointPath)
	if err != nil {
		log.Printf("[warn] supervisor checkpoint load: %v", err)
	} else if found && (ckpt.BrokerAddress != addr || ckpt.ChainID != chainID) {
		log.Printf("[warn] supervisor identity changed: checkpoint=%s/%d runtime=%s/%d",
			ckpt.BrokerAddress, ckpt.ChainID, addr, chainID)
	}
	if err := state.SaveCheckpoint(s.cfg.CheckpointPath, state.Checkpoint{
		ChainID:       chainID,
		BrokerAddress: addr,
	}); err != nil {
		log.Printf("[warn] supervisor checkpoint save: %v", err)
	}
}

// Run connects to the hub and starts the background loops, blocking until
// ctx is canceled and both have wound down. Loops stop at their next natural
// yield; in-flight I/O completes.
func (s *Supervisor) Run(ctx context.Context) {
	s.checkRegistration()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.hubClient.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		// Give the first dial a moment so the first balance push has a
		// transport to land on; the debounce makes an early miss harmless.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
		s.registerOnce.Do(func() { s.register(ctx) })
		s.rec.Run(ctx)
	}()
	wg.Wait()
}
