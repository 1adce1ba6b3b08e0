package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
)

const domainTransactions = "transactions"

// TransactionSource supplies transaction history for the wallet.
type TransactionSource interface {
	// Name identifies the source's watermark and must be stable across runs.
	Name() string
	// GetTransactions returns transactions newer than afterHash, in any order.
	// An empty afterHash means no watermark.
	GetTransactions(ctx context.Context, afterHash string) ([]db.FullTransaction, error)
}

// TransactionSyncer pulls new history from each source, advances the
// per-source watermarks and reconciles pending transactions.
type TransactionSyncer struct {
	sources    []TransactionSource
	store      db.Store
	manager    *TransactionManager
	reconciler *PendingReconciler
	logger     *slog.Logger
	metrics    *metrics.Metrics
	state      *stateHolder
}

func NewTransactionSyncer(sources []TransactionSource, store db.Store, manager *TransactionManager, reconciler *PendingReconciler, listener Listener, logger *slog.Logger, m *metrics.Metrics) *TransactionSyncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &TransactionSyncer{
		sources:    sources,
		store:      store,
		manager:    manager,
		reconciler: reconciler,
		logger:     logger.With("component", "transaction_syncer"),
		metrics:    m,
	}
	s.state = newStateHolder(domainTransactions, m, listener.OnUpdateTransactionSyncState)
	return s
}

func (s *TransactionSyncer) State() SyncState { return s.state.current() }

// IsInitialSynced reports whether a full pass over all sources has completed at least once.
func (s *TransactionSyncer) IsInitialSynced(ctx context.Context) (bool, error) {
	return s.store.IsInitialSynced(ctx)
}

// Sync runs one pass over every source. A failing source does not stop the
// others; the pass ends NotSynced with the first failure. It returns
// immediately when a sync is already running.
func (s *TransactionSyncer) Sync(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	gen, ok := s.state.begin()
	if !ok {
		return nil
	}
	start := time.Now()

	var (
		seen     []db.FullTransaction
		firstErr error
	)
	for i, src := range s.sources {
		txs, err := s.syncSource(ctx, gen, src)
		if ctx.Err() != nil {
			s.state.abandon(gen)
			return ctx.Err()
		}
		if err != nil {
			s.logger.WarnContext(ctx, "transaction source failed", "source", src.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		seen = append(seen, txs...)

		if len(s.sources) > 1 {
			s.state.progress(gen, float64(i+1)/float64(len(s.sources)))
		}
	}

	var reconciled []db.FullTransaction
	if s.reconciler != nil {
		var err error
		reconciled, err = s.reconciler.Reconcile(ctx)
		if ctx.Err() != nil {
			s.state.abandon(gen)
			return ctx.Err()
		}
		if err != nil {
			s.logger.WarnContext(ctx, "pending reconciliation failed", "error", err)
		}
	}

	if !s.state.isCurrent(gen) {
		return nil
	}

	if firstErr == nil {
		if err := s.markInitialSynced(ctx); err != nil {
			firstErr = err
		}
	}

	s.manager.Handle(ctx, mergeByHash(seen, reconciled))

	if firstErr != nil {
		s.metrics.RecordSyncDuration(domainTransactions, "error", time.Since(start).Seconds())
		s.state.finish(gen, NotSynced(firstErr))
		return firstErr
	}
	s.metrics.RecordSyncDuration(domainTransactions, "success", time.Since(start).Seconds())
	s.state.finish(gen, Synced())
	return nil
}

// syncSource fetches one source from its watermark, caches the result and
// advances the watermark. It returns what was cached.
func (s *TransactionSyncer) syncSource(ctx context.Context, gen uint64, src TransactionSource) ([]db.FullTransaction, error) {
	name := src.Name()
	lst, err := s.store.GetLastSyncedTransaction(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark for %s: %w", name, err)
	}
	var after string
	if lst != nil {
		after = lst.Hash
	}

	txs, err := src.GetTransactions(ctx, after)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, RemoteError(err)
	}
	if len(txs) == 0 || !s.state.isCurrent(gen) {
		return nil, nil
	}

	complete := watermarkCandidates(txs)
	if txs, err = s.skipKnownIncomplete(ctx, txs); err != nil {
		return nil, err
	}

	if err := s.store.UpsertTransactions(ctx, txs); err != nil {
		return nil, fmt.Errorf("failed to store transactions from %s: %w", name, err)
	}
	s.metrics.RecordTransactionsSynced(name, len(txs))
	s.logger.InfoContext(ctx, "synced transactions", "source", name, "count", len(txs))

	if len(complete) == 0 {
		s.logger.WarnContext(ctx, "holding watermark until incomplete transactions are fetched",
			"source", name)
		return txs, nil
	}
	newest := newestOf(complete)
	if lst != nil && !s.isNewer(ctx, newest, lst.Hash) {
		s.logger.WarnContext(ctx, "refusing to move watermark backwards",
			"source", name,
			"watermark", lst.Hash,
			"candidate", newest.Transaction.Hash)
		return txs, nil
	}
	if err := s.store.SaveLastSyncedTransaction(ctx, db.LastSyncedTransaction{
		SyncSourceName: name,
		Hash:           newest.Transaction.Hash,
	}); err != nil {
		return txs, fmt.Errorf("failed to save watermark for %s: %w", name, err)
	}
	return txs, nil
}

// watermarkCandidates returns the complete transactions strictly older than
// the oldest incomplete one, so the watermark never passes a record that still
// needs its details.
func watermarkCandidates(txs []db.FullTransaction) []db.FullTransaction {
	oldest, found := int64(0), false
	for _, tx := range txs {
		if tx.Incomplete && (!found || tx.Transaction.Timestamp < oldest) {
			oldest, found = tx.Transaction.Timestamp, true
		}
	}
	if !found {
		return txs
	}
	var out []db.FullTransaction
	for _, tx := range txs {
		if !tx.Incomplete && tx.Transaction.Timestamp < oldest {
			out = append(out, tx)
		}
	}
	return out
}

// skipKnownIncomplete drops incomplete records whose hash is already stored, so
// a failed refetch never overwrites details fetched earlier.
func (s *TransactionSyncer) skipKnownIncomplete(ctx context.Context, txs []db.FullTransaction) ([]db.FullTransaction, error) {
	out := txs[:0:0]
	for _, tx := range txs {
		if tx.Incomplete {
			known, err := s.store.GetTransaction(ctx, tx.Transaction.Hash)
			if err != nil {
				return nil, fmt.Errorf("failed to read transaction %s: %w", tx.Transaction.Hash, err)
			}
			if known != nil {
				continue
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// isNewer reports whether candidate is not older than the watermark transaction.
// An unknown watermark transaction never blocks the update.
func (s *TransactionSyncer) isNewer(ctx context.Context, candidate db.FullTransaction, watermark string) bool {
	prev, err := s.store.GetTransaction(ctx, watermark)
	if err != nil || prev == nil {
		return true
	}
	return candidate.Transaction.Timestamp >= prev.Timestamp
}

func (s *TransactionSyncer) markInitialSynced(ctx context.Context) error {
	done, err := s.store.IsInitialSynced(ctx)
	if err != nil {
		return fmt.Errorf("failed to read initial sync marker: %w", err)
	}
	if done {
		return nil
	}
	if err := s.store.SaveInitialSync(ctx); err != nil {
		return fmt.Errorf("failed to save initial sync marker: %w", err)
	}
	s.logger.InfoContext(ctx, "initial transaction sync complete")
	return nil
}

// Stop moves to NotSynced(err) and invalidates any in-flight sync.
func (s *TransactionSyncer) Stop(err error) {
	s.state.force(NotSynced(err))
}

// newestOf returns the transaction with the latest timestamp. Ties go to the
// earliest position, matching sources that return newest first.
func newestOf(txs []db.FullTransaction) db.FullTransaction {
	newest := txs[0]
	for _, tx := range txs[1:] {
		if tx.Transaction.Timestamp > newest.Transaction.Timestamp {
			newest = tx
		}
	}
	return newest
}

// mergeByHash concatenates the sets, keeping the last occurrence of each hash
// in first-seen position.
func mergeByHash(sets ...[]db.FullTransaction) []db.FullTransaction {
	idx := make(map[string]int)
	var out []db.FullTransaction
	for _, set := range sets {
		for _, tx := range set {
			if i, ok := idx[tx.Transaction.Hash]; ok {
				out[i] = tx
				continue
			}
			idx[tx.Transaction.Hash] = len(out)
			out = append(out, tx)
		}
	}
	return out
}
