// Package kit hosts the sync engine for one wallet behind a small facade.
package kit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
	"github.com/brojonat/solsync/service/network"
	"github.com/brojonat/solsync/service/solana"
	"github.com/brojonat/solsync/service/syncer"
)

const defaultSyncInterval = 30 * time.Second

// Ledger is the remote ledger as the engine uses it. *solana.Client implements it.
type Ledger interface {
	syncer.BalanceFetcher
	syncer.BlockHeightFetcher
	syncer.TokenBalanceFetcher
	syncer.ConfirmationFetcher
}

// Params configures a Kit.
type Params struct {
	Address string
	Ledger  Ledger
	Store   db.Store
	Monitor network.Monitor
	// Sources feed transaction history. At least one is required.
	Sources      []syncer.TransactionSource
	SyncInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Kit owns the engine for one wallet.
type Kit struct {
	address   string
	store     db.Store
	monitor   network.Monitor
	listeners *syncer.Listeners
	heartbeat *syncer.Heartbeat
	balance   *syncer.BalanceSyncer
	tokens    *syncer.TokenSyncer
	txs       *syncer.TransactionSyncer
	txManager *syncer.TransactionManager
	manager   *syncer.Manager
	logger    *slog.Logger
}

// New wires the engine. Nothing runs until Start.
func New(p Params) (*Kit, error) {
	if err := solana.ValidateAddress(p.Address); err != nil {
		return nil, err
	}
	if p.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if len(p.Sources) == 0 {
		return nil, errors.New("at least one transaction source is required")
	}
	if p.Monitor == nil {
		p.Monitor = network.NewManualMonitor(true)
	}
	if p.SyncInterval <= 0 {
		p.SyncInterval = defaultSyncInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("wallet", p.Address)

	hub := &syncer.Listeners{}
	k := &Kit{
		address:   p.Address,
		store:     p.Store,
		monitor:   p.Monitor,
		listeners: hub,
		logger:    logger,
	}
	k.heartbeat = syncer.NewHeartbeat(p.Ledger, p.Store, p.Monitor, p.SyncInterval, logger, p.Metrics)
	k.balance = syncer.NewBalanceSyncer(p.Address, p.Ledger, p.Store, hub, logger, p.Metrics)
	k.tokens = syncer.NewTokenSyncer(p.Address, p.Ledger, p.Store, hub, logger, p.Metrics)
	k.txManager = syncer.NewTransactionManager(p.Address, p.Store, hub, logger)
	reconciler := syncer.NewPendingReconciler(p.Ledger, p.Store, k.txManager, logger, p.Metrics)
	k.txs = syncer.NewTransactionSyncer(p.Sources, p.Store, k.txManager, reconciler, hub, logger, p.Metrics)
	k.manager = syncer.NewManager(k.heartbeat, k.balance, k.tokens, k.txs, hub, logger)
	k.txManager.OnNewTokenAccount(k.manager.RefreshTokens)
	return k, nil
}

// Start begins syncing. The engine runs until Stop or until ctx is cancelled.
func (k *Kit) Start(ctx context.Context) {
	k.manager.Start(ctx)
}

// Stop halts syncing and waits for in-flight syncs to return.
func (k *Kit) Stop() {
	k.manager.Stop()
	k.manager.Wait()
}

// Refresh syncs every domain now. It does nothing before Start.
func (k *Kit) Refresh() {
	k.manager.Refresh()
}

// AddListener registers l for engine updates and returns a func that removes it.
func (k *Kit) AddListener(l syncer.Listener) (remove func()) {
	return k.listeners.Add(l)
}

// AddTokenAccount starts tracking mint and refreshes token balances. Mints with
// zero decimals are tracked as NFTs.
func (k *Kit) AddTokenAccount(ctx context.Context, mint string, decimals int) (bool, error) {
	if err := solana.ValidateAddress(mint); err != nil {
		return false, err
	}
	if decimals < 0 || decimals > 255 {
		return false, fmt.Errorf("invalid decimals %d", decimals)
	}
	created, err := k.tokens.AddTokenAccount(ctx, db.MintAccount{
		Address:  mint,
		Decimals: decimals,
		IsNFT:    decimals == 0,
	})
	if err != nil {
		return false, err
	}
	k.manager.RefreshTokens()
	return created, nil
}

// RecordPendingTransaction stores a transaction broadcast by this host. It is
// reconciled against the ledger on later transaction syncs.
func (k *Kit) RecordPendingTransaction(ctx context.Context, tx db.FullTransaction) error {
	if err := solana.ValidateSignature(tx.Transaction.Hash); err != nil {
		return err
	}
	return k.txManager.RecordPending(ctx, tx)
}

func (k *Kit) Address() string { return k.address }

// Balance returns the cached native balance in lamports.
func (k *Kit) Balance(ctx context.Context) (uint64, error) {
	return k.balance.Balance(ctx)
}

// LastBlockHeight returns the last height seen by the heartbeat, 0 if none.
func (k *Kit) LastBlockHeight(ctx context.Context) (uint64, error) {
	h, err := k.store.GetLastBlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	if h == nil {
		return 0, nil
	}
	return *h, nil
}

func (k *Kit) BalanceSyncState() syncer.SyncState      { return k.balance.State() }
func (k *Kit) TokenSyncState() syncer.SyncState        { return k.tokens.State() }
func (k *Kit) TransactionsSyncState() syncer.SyncState { return k.txs.State() }

func (k *Kit) Transactions(ctx context.Context, filter db.TransactionFilter) ([]db.FullTransaction, error) {
	return k.txManager.Transactions(ctx, filter)
}

func (k *Kit) TokenAccount(ctx context.Context, mint string) (*db.FullTokenAccount, error) {
	return k.tokens.TokenAccount(ctx, mint)
}

func (k *Kit) FungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error) {
	return k.tokens.FungibleTokenAccounts(ctx)
}

func (k *Kit) NonFungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error) {
	return k.tokens.NonFungibleTokenAccounts(ctx)
}

// IsInitialSynced reports whether transaction history has completed one full pass.
func (k *Kit) IsInitialSynced(ctx context.Context) (bool, error) {
	return k.txs.IsInitialSynced(ctx)
}

// StatusInfo is a point-in-time summary of the engine.
type StatusInfo struct {
	Address               string           `json:"address"`
	Started               bool             `json:"started"`
	Connected             bool             `json:"connected"`
	Ready                 bool             `json:"ready"`
	LastBlockHeight       uint64           `json:"last_block_height"`
	Balance               uint64           `json:"balance"`
	InitialSynced         bool             `json:"initial_synced"`
	BalanceSyncState      syncer.SyncState `json:"balance_sync_state"`
	TokenSyncState        syncer.SyncState `json:"token_sync_state"`
	TransactionsSyncState syncer.SyncState `json:"transactions_sync_state"`
}

func (k *Kit) StatusInfo(ctx context.Context) (StatusInfo, error) {
	height, err := k.LastBlockHeight(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	balance, err := k.Balance(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	initial, err := k.IsInitialSynced(ctx)
	if err != nil {
		return StatusInfo{}, fmt.Errorf("failed to read initial sync marker: %w", err)
	}
	return StatusInfo{
		Address:               k.address,
		Started:               k.manager.IsStarted(),
		Connected:             k.monitor.IsConnected(),
		Ready:                 k.heartbeat.State().IsReady(),
		LastBlockHeight:       height,
		Balance:               balance,
		InitialSynced:         initial,
		BalanceSyncState:      k.balance.State(),
		TokenSyncState:        k.tokens.State(),
		TransactionsSyncState: k.txs.State(),
	}, nil
}

// ClearCache deletes the SQLite cache of walletID under dataDir. The kit using
// it must be stopped and its store closed first.
func ClearCache(dataDir, walletID string) error {
	return db.RemoveDatabase(db.DBPath(dataDir, walletID))
}
