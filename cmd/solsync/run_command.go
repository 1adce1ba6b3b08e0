package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/solsync/service/config"
	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/kit"
	"github.com/brojonat/solsync/service/metrics"
	natspkg "github.com/brojonat/solsync/service/nats"
	"github.com/brojonat/solsync/service/network"
	"github.com/brojonat/solsync/service/server"
	"github.com/brojonat/solsync/service/solana"
	"github.com/brojonat/solsync/service/syncer"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the sync engine and HTTP API for the configured wallet",
		Description: `Configuration is read from the environment (and .env when present):
WALLET_ADDRESS, SOLANA_RPC_URL, STORE_DRIVER, DATA_DIR, DATABASE_URL,
SYNC_INTERVAL, CONNECTIVITY_CHECK_INTERVAL, TX_PAGE_LIMIT, TX_FETCH_CONCURRENCY,
NATS_URL, SERVER_ADDR, LOG_LEVEL.`,
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = c.String("log-level")
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, setupLogger(cfg.LogLevel))
		},
	}
}

// run hosts one wallet until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting solsync",
		"wallet", cfg.WalletAddress,
		"store", cfg.StoreDriver,
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	store, err := openStore(ctx, cfg.StoreDriver, cfg.DataDir, cfg.WalletID, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	// For premium RPC endpoints, include the API key in the URL.
	rpcClient := solana.NewRPCClient(cfg.SolanaRPCURL)
	solanaClient := solana.NewClient(rpcClient, solana.EndpointName(cfg.SolanaRPCURL), metricsCollector, logger,
		solana.WithPageLimit(cfg.TxPageLimit),
		solana.WithFetchConcurrency(cfg.TxFetchConcurrency),
	)
	logger.Info("initialized solana RPC client", "endpoint", solanaClient.Endpoint())

	monitor := network.NewProbeMonitor(solanaClient, cfg.ConnectivityCheckInterval, logger)
	go monitor.Run(ctx)

	k, err := kit.New(kit.Params{
		Address:      cfg.WalletAddress,
		Ledger:       solanaClient,
		Store:        db.NewMeteredStore(store, metricsCollector),
		Monitor:      monitor,
		Sources:      []syncer.TransactionSource{solana.NewRPCSource(solanaClient, cfg.WalletAddress, 0)},
		SyncInterval: cfg.SyncInterval,
		Logger:       logger,
		Metrics:      metricsCollector,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, metricsCollector)
		if err != nil {
			return err
		}
		defer publisher.Close()
		natsListener := natspkg.NewListener(publisher, cfg.WalletAddress, logger)
		defer natsListener.Close()
		remove := k.AddListener(natsListener.Listener())
		defer remove()
	} else {
		logger.Info("NATS_URL not set, event publishing disabled")
	}

	k.Start(ctx)
	defer k.Stop()

	httpServer := server.New(cfg.ServerAddr, k, metricsCollector, logger)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return err
		}
		return errors.New("server stopped unexpectedly")
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore opens the configured store. Postgres schemas are migrated on open.
func openStore(ctx context.Context, driver, dataDir, walletID, databaseURL string) (db.Store, error) {
	switch driver {
	case config.DriverSQLite:
		store, err := db.NewSQLiteStore(db.DBPath(dataDir, walletID))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil

	case config.DriverPostgres:
		if databaseURL == "" {
			return nil, errors.New("database url is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := db.NewPGStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
