package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/solsync/service/db"
)

// TransactionManager is the entry point for transactions entering the cache
// from outside a sync pass, and the single place new transactions are
// announced to listeners.
type TransactionManager struct {
	owner    string
	store    db.Store
	listener Listener
	logger   *slog.Logger

	mu                sync.Mutex
	onNewTokenAccount func()
}

func NewTransactionManager(owner string, store db.Store, listener Listener, logger *slog.Logger) *TransactionManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TransactionManager{
		owner:    owner,
		store:    store,
		listener: listener,
		logger:   logger.With("component", "transaction_manager"),
	}
}

// OnNewTokenAccount sets the hook run after incoming transfers registered a
// mint that was not tracked yet.
func (m *TransactionManager) OnNewTokenAccount(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewTokenAccount = fn
}

// Transactions returns cached history, newest first. The filter's direction
// is relative to the wallet.
func (m *TransactionManager) Transactions(ctx context.Context, filter db.TransactionFilter) ([]db.FullTransaction, error) {
	filter.Owner = m.owner
	txs, err := m.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// RecordPending stores a locally broadcast transaction as pending. An existing
// record with the same hash is left untouched.
func (m *TransactionManager) RecordPending(ctx context.Context, tx db.FullTransaction) error {
	if tx.Transaction.Hash == "" {
		return errors.New("transaction hash is required")
	}
	tx.Transaction.Pending = true
	for i := range tx.TokenTransfers {
		tx.TokenTransfers[i].TokenTransfer.TransactionHash = tx.Transaction.Hash
	}
	if err := m.store.InsertPendingTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to record pending transaction: %w", err)
	}
	m.logger.InfoContext(ctx, "recorded pending transaction", "hash", tx.Transaction.Hash)

	stored, err := m.store.GetFullTransactions(ctx, []string{tx.Transaction.Hash})
	if err != nil {
		return fmt.Errorf("failed to reload pending transaction: %w", err)
	}
	m.Handle(ctx, stored)
	return nil
}

// Handle registers untracked mints seen in incoming transfers and then
// announces txs in a single notification.
func (m *TransactionManager) Handle(ctx context.Context, txs []db.FullTransaction) {
	if len(txs) == 0 {
		return
	}

	registered := 0
	seen := make(map[string]struct{})
	for _, tx := range txs {
		for _, tt := range tx.TokenTransfers {
			if !tt.TokenTransfer.Incoming {
				continue
			}
			mint := tt.MintAccount
			if _, ok := seen[mint.Address]; ok {
				continue
			}
			seen[mint.Address] = struct{}{}

			created, err := m.store.AddTokenAccount(ctx, db.TokenAccount{
				MintAddress: mint.Address,
				Decimals:    mint.Decimals,
			}, mint)
			if err != nil {
				m.logger.WarnContext(ctx, "failed to register token account", "mint", mint.Address, "error", err)
				continue
			}
			if created {
				registered++
			}
		}
	}

	if registered > 0 {
		m.logger.InfoContext(ctx, "registered token accounts from transfers", "count", registered)
		m.mu.Lock()
		fn := m.onNewTokenAccount
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
	}

	if ctx.Err() != nil {
		return
	}
	if tl, ok := m.listener.(TransactionsListener); ok {
		tl.OnUpdateTransactions(txs)
	}
}
