package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
	"github.com/brojonat/solsync/service/solana"
)

// ConfirmationFetcher looks up whether a transaction has been confirmed.
type ConfirmationFetcher interface {
	GetConfirmedTransaction(ctx context.Context, hash string) (*solana.Confirmation, error)
}

// PendingReconciler resolves locally recorded pending transactions against the ledger.
type PendingReconciler struct {
	client  ConfirmationFetcher
	store   db.Store
	manager *TransactionManager
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

func NewPendingReconciler(client ConfirmationFetcher, store db.Store, manager *TransactionManager, logger *slog.Logger, m *metrics.Metrics) *PendingReconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PendingReconciler{
		client:  client,
		store:   store,
		manager: manager,
		logger:  logger.With("component", "pending_reconciler"),
		metrics: m,
	}
}

// Reconcile checks every pending transaction and persists, in one batch, those
// the ledger has confirmed. Lookup failures for single transactions are logged
// and skipped. It returns the reconciled transactions without announcing them.
func (r *PendingReconciler) Reconcile(ctx context.Context) ([]db.FullTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcile(ctx)
}

func (r *PendingReconciler) reconcile(ctx context.Context) ([]db.FullTransaction, error) {
	pending, err := r.store.PendingTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transactions: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	var confirmed []db.Transaction
	for _, tx := range pending {
		c, err := r.client.GetConfirmedTransaction(ctx, tx.Hash)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.logger.InfoContext(ctx, "failed to check pending transaction", "hash", tx.Hash, "error", err)
			r.metrics.RecordPendingReconciliation("error")
			continue
		}
		if !c.Confirmed {
			r.metrics.RecordPendingReconciliation("unconfirmed")
			continue
		}
		tx.Pending = false
		tx.Error = c.Err
		confirmed = append(confirmed, tx)
		r.metrics.RecordPendingReconciliation("confirmed")
	}

	if len(confirmed) == 0 {
		return nil, nil
	}
	if err := r.store.UpdateTransactions(ctx, confirmed); err != nil {
		return nil, fmt.Errorf("failed to update reconciled transactions: %w", err)
	}
	r.logger.InfoContext(ctx, "reconciled pending transactions", "count", len(confirmed))

	hashes := make([]string, len(confirmed))
	for i, tx := range confirmed {
		hashes[i] = tx.Hash
	}
	full, err := r.store.GetFullTransactions(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to reload reconciled transactions: %w", err)
	}
	return full, nil
}

// Sync is the standalone entry point for hosts that reconcile pending
// transactions without running a TransactionSyncer: it reconciles and hands
// the result to the manager, which notifies listeners. A TransactionSyncer
// calls Reconcile instead and merges the result into its own batch. Sync
// returns immediately when a reconciliation is already running.
func (r *PendingReconciler) Sync(ctx context.Context) error {
	if !r.mu.TryLock() {
		return nil
	}
	defer r.mu.Unlock()

	full, err := r.reconcile(ctx)
	if err != nil {
		return err
	}
	r.manager.Handle(ctx, full)
	return nil
}
