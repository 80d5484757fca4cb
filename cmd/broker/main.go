package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"orion-broker/internal/audit"
	"orion-broker/internal/broker"
	"orion-broker/internal/chain"
	"orion-broker/internal/dotenv"
	"orion-broker/internal/exchange"
	"orion-broker/internal/gasfeed"
	"orion-broker/internal/reconciler"
	"orion-broker/internal/store"
	"orion-broker/internal/supervisor"
	"orion-broker/internal/tokenregistry"
)

const (
	chainIDProduction = 1
	chainIDStaging    = 3

	defaultDuePeriod = time.Hour
)

type config struct {
	hubURL     string
	gatewayURL string
	gasfeedURL string

	privateKey *ecdsa.PrivateKey
	matcher    common.Address
	contract   common.Address
	chainID    int64

	databaseURL    string
	auditLogPath   string
	checkpointPath string
	duePeriod      time.Duration

	tokens    *tokenregistry.Registry
	exchanges []exchange.RestConfig
}

func main() {
	log.SetFlags(0)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gas, err := gasfeed.NewClient(cfg.gasfeedURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	gateway, err := chain.NewGateway(cfg.gatewayURL)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	signer, err := chain.NewSigner(cfg.privateKey, cfg.matcher, cfg.chainID, cfg.tokens)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	chainClient, err := chain.NewClient(signer, gateway, gas, cfg.tokens, cfg.contract)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	var st store.Store
	if cfg.databaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.databaseURL)
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		defer pg.Close()
		st = pg
	} else {
		log.Printf("[warn] DATABASE_URL not set; using in-memory store (state lost on restart)")
		st = store.NewMemory()
	}

	auditLog := audit.Open(cfg.auditLogPath)
	if auditLog != nil {
		log.Printf("Audit log: %s (JSONL)", cfg.auditLogPath)
		defer func() {
			if err := auditLog.Close(); err != nil {
				log.Printf("[warn] audit log close: %v", err)
			}
		}()
	}

	adapters := make(map[string]exchange.Adapter, len(cfg.exchanges))
	ordered := make([]exchange.Adapter, 0, len(cfg.exchanges))
	names := make([]string, 0, len(cfg.exchanges))
	for _, ec := range cfg.exchanges {
		a, err := exchange.NewRestAdapter(ec, cfg.tokens)
		if err != nil {
			log.Fatalf("[fatal] %v", err)
		}
		adapters[a.Name()] = a
		ordered = append(ordered, a)
		names = append(names, a.Name())
	}

	engine, err := broker.NewEngine(st, adapters, signer, broker.NoopUI{}, auditLog)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	rec := reconciler.New(
		reconciler.Config{DuePeriod: cfg.duePeriod},
		st, ordered, engine, nil, chainClient, broker.NoopUI{}, auditLog,
	)

	sup, err := supervisor.New(supervisor.Config{
		HubURL:         cfg.hubURL,
		CheckpointPath: cfg.checkpointPath,
		Exchanges:      names,
	}, engine, rec, chainClient)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	rec.SetGateway(sup.Gateway())

	log.Printf("Orion broker %s", supervisor.Version)
	log.Printf("Address: %s (chain=%d)", signer.Address().Hex(), cfg.chainID)
	log.Printf("Hub: %s", cfg.hubURL)
	log.Printf("Gateway: %s", cfg.gatewayURL)
	log.Printf("Exchanges: %s", strings.Join(names, ", "))
	log.Printf("Liability due period: %s", cfg.duePeriod)

	sup.Run(ctx)
	log.Printf("Shut down")
}

func loadConfig() (config, error) {
	var cfg config

	var duePeriodFlag string
	var auditLogFlag string
	var checkpointFlag string

	flag.StringVar(&duePeriodFlag, "due-period", "", "Liability due period (e.g. 1h). Default from DUE_PERIOD or 1h.")
	flag.StringVar(&auditLogFlag, "audit-log", "", "Audit JSONL path (default from AUDIT_LOG; empty = disabled).")
	flag.StringVar(&checkpointFlag, "checkpoint", "", "Registration checkpoint path (default from CHECKPOINT_PATH).")
	flag.Parse()

	cfg.hubURL = strings.TrimSpace(os.Getenv("HUB_URL"))
	if cfg.hubURL == "" {
		return cfg, fmt.Errorf("HUB_URL required")
	}
	cfg.gatewayURL = strings.TrimSpace(os.Getenv("GATEWAY_URL"))
	if cfg.gatewayURL == "" {
		return cfg, fmt.Errorf("GATEWAY_URL required")
	}
	cfg.gasfeedURL = strings.TrimSpace(os.Getenv("GASFEED_URL"))
	if cfg.gasfeedURL == "" {
		return cfg, fmt.Errorf("GASFEED_URL required")
	}

	pkHex := strings.TrimSpace(os.Getenv("PRIVATE_KEY"))
	if pkHex == "" {
		return cfg, fmt.Errorf("PRIVATE_KEY required")
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(pkHex, "0x"))
	if err != nil {
		return cfg, fmt.Errorf("invalid PRIVATE_KEY: %w", err)
	}
	cfg.privateKey = pk

	matcher := strings.TrimSpace(os.Getenv("MATCHER_ADDRESS"))
	if !common.IsHexAddress(matcher) {
		return cfg, fmt.Errorf("invalid MATCHER_ADDRESS %q", matcher)
	}
	cfg.matcher = common.HexToAddress(matcher)

	contract := strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS"))
	if !common.IsHexAddress(contract) {
		return cfg, fmt.Errorf("invalid CONTRACT_ADDRESS %q", contract)
	}
	cfg.contract = common.HexToAddress(contract)

	cfg.chainID = chainIDStaging
	if env := strings.TrimSpace(os.Getenv("PRODUCTION")); env != "" {
		prod, err := strconv.ParseBool(env)
		if err != nil {
			return cfg, fmt.Errorf("invalid PRODUCTION %q: %w", env, err)
		}
		if prod {
			cfg.chainID = chainIDProduction
		}
	}

	tokens, err := tokenregistry.Parse(os.Getenv("TOKENS"))
	if err != nil {
		return cfg, err
	}
	if _, ok := tokens.Lookup(chain.FeeAssetSymbol); !ok {
		return cfg, fmt.Errorf("TOKENS must include the %s fee asset", chain.FeeAssetSymbol)
	}
	cfg.tokens = tokens

	cfg.databaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.auditLogPath = strings.TrimSpace(auditLogFlag)
	if cfg.auditLogPath == "" {
		cfg.auditLogPath = strings.TrimSpace(os.Getenv("AUDIT_LOG"))
	}
	cfg.checkpointPath = strings.TrimSpace(checkpointFlag)
	if cfg.checkpointPath == "" {
		cfg.checkpointPath = strings.TrimSpace(os.Getenv("CHECKPOINT_PATH"))
	}

	cfg.duePeriod = defaultDuePeriod
	if strings.TrimSpace(duePeriodFlag) != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(duePeriodFlag))
		if err != nil {
			return cfg, fmt.Errorf("invalid --due-period %q: %w", duePeriodFlag, err)
		}
		cfg.duePeriod = parsed
	} else if env := strings.TrimSpace(os.Getenv("DUE_PERIOD")); env != "" {
		parsed, err := time.ParseDuration(env)
		if err != nil {
			return cfg, fmt.Errorf("invalid DUE_PERIOD %q: %w", env, err)
		}
		cfg.duePeriod = parsed
	}

	exchanges, err := loadExchanges()
	if err != nil {
		return cfg, err
	}
	if len(exchanges) == 0 {
		return cfg, fmt.Errorf("EXCHANGES required (e.g. binance=https://api.binance.example)")
	}
	cfg.exchanges = exchanges

	return cfg, nil
}

// loadExchanges parses EXCHANGES entries of the form "name=host" and the
// per-venue env vars <NAME>_API_KEY, <NAME>_API_SECRET, <NAME>_WITHDRAW,
// <NAME>_TRANSFER.
func loadExchanges() ([]exchange.RestConfig, error) {
	raw := strings.TrimSpace(os.Getenv("EXCHANGES"))
	if raw == "" {
		return nil, nil
	}

	out := make([]exchange.RestConfig, 0, 4)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid EXCHANGES entry %q, want name=host", entry)
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		envPrefix := strings.ToUpper(name)

		ec := exchange.RestConfig{
			Name:   name,
			Host:   strings.TrimSpace(parts[1]),
			Key:    strings.TrimSpace(os.Getenv(envPrefix + "_API_KEY")),
			Secret: strings.TrimSpace(os.Getenv(envPrefix + "_API_SECRET")),
		}
		if env := strings.TrimSpace(os.Getenv(envPrefix + "_WITHDRAW")); env != "" {
			v, err := strconv.ParseBool(env)
			if err != nil {
				return nil, fmt.Errorf("invalid %s_WITHDRAW %q: %w", envPrefix, env, err)
			}
			ec.WithdrawEnabled = v
		}
		if env := strings.TrimSpace(os.Getenv(envPrefix + "_TRANSFER")); env != "" {
			v, err := strconv.ParseBool(env)
			if err != nil {
				return nil, fmt.Errorf("invalid %s_TRANSFER %q: %w", envPrefix, env, err)
			}
			ec.RequiresTransfer = v
		}
		out = append(out, ec)
	}
	return out, nil
}
