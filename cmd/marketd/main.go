package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketchain/config"
	"marketchain/core/dispatch"
	"marketchain/core/state"
	"marketchain/native/market"
	"marketchain/observability"
	"marketchain/observability/logging"
	"marketchain/rpc"
	"marketchain/storage"
)

const rpcTokenEnv = "MARKET_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memoryDB := flag.Bool("memdb", false, "DEV ONLY: run against an in-memory database")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKET_ENV"))
	logger := logging.Setup("marketd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var db storage.Database
	if *memoryDB {
		logger.Warn("using in-memory database, state will not survive restarts")
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = leveldb
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := seedStoreCost(cfg, manager); err != nil {
		logger.Error("Failed to seed store cost", slog.Any("error", err))
		os.Exit(1)
	}

	storeCode, err := loadStoreCode(cfg.StoreCodeFile)
	if err != nil {
		logger.Error("Failed to load store code", slog.Any("error", err))
		os.Exit(1)
	}

	executor := dispatch.NewHTTPExecutor(cfg.AdapterEndpoint)
	scheduler := dispatch.NewScheduler(executor, logger.With("component", "dispatch"))

	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetDispatcher(scheduler)
	engine.SetLogger(logger.With("component", "market"))
	engine.SetFactoryAccount(cfg.FactoryAccount)
	engine.SetFeeTreasury(cfg.FeeTreasury)
	engine.SetReservedPrefixes(cfg.ReservedPrefixes)
	engine.SetStoreCode(storeCode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go watchVault(ctx, engine, cfg.FactoryAccount, logger)

	authToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if authToken == "" {
		logger.Warn("no RPC token configured, mutating methods are disabled", "env", rpcTokenEnv)
	}
	server := rpc.NewServer(engine, manager, authToken, logger.With("component", "rpc"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	logger.Info("marketd started",
		"network", cfg.NetworkName,
		"rpc", cfg.RPCAddress,
		"adapter", cfg.AdapterEndpoint,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("RPC server failed", slog.Any("error", err))
		}
	}
	scheduler.Close()
}

// seedStoreCost persists a configured provisioning stake so it survives
// restarts and config edits take effect explicitly.
func seedStoreCost(cfg *config.Config, manager *state.Manager) error {
	cost, err := cfg.StoreCostAmount()
	if err != nil {
		return err
	}
	if cost == nil {
		return nil
	}
	return manager.SetStoreCost(cost)
}

// watchVault keeps the escrowed-value gauge aligned with the factory vault
// balance.
func watchVault(ctx context.Context, engine *market.Engine, account string, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance, err := engine.BalanceOf(account)
			if err != nil {
				logger.Warn("vault balance lookup failed", slog.Any("error", err))
				continue
			}
			observability.Escrow().SetLockedValue(balance)
		}
	}
}

func loadStoreCode(path string) ([]byte, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	code, err := os.ReadFile(trimmed)
	if err != nil {
		return nil, fmt.Errorf("read store code %s: %w", trimmed, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("store code file %s is empty", trimmed)
	}
	return code, nil
}
