package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
)

const domainBalance = "balance"

// BalanceFetcher reads the native balance of an address, in lamports.
type BalanceFetcher interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

// BalanceSyncer keeps the cached native balance in step with the ledger.
type BalanceSyncer struct {
	address  string
	client   BalanceFetcher
	store    db.Store
	listener Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics
	state    *stateHolder
}

func NewBalanceSyncer(address string, client BalanceFetcher, store db.Store, listener Listener, logger *slog.Logger, m *metrics.Metrics) *BalanceSyncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &BalanceSyncer{
		address:  address,
		client:   client,
		store:    store,
		listener: listener,
		logger:   logger.With("component", "balance_syncer"),
		metrics:  m,
	}
	s.state = newStateHolder(domainBalance, m, listener.OnUpdateBalanceSyncState)
	return s
}

func (s *BalanceSyncer) State() SyncState { return s.state.current() }

// Balance returns the cached balance, 0 if never synced.
func (s *BalanceSyncer) Balance(ctx context.Context) (uint64, error) {
	b, err := s.store.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	if b == nil {
		return 0, nil
	}
	return *b, nil
}

// Sync fetches the balance and persists it if it changed. It returns
// immediately when a sync is already running.
func (s *BalanceSyncer) Sync(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	gen, ok := s.state.begin()
	if !ok {
		return nil
	}
	start := time.Now()

	lamports, err := s.client.GetBalance(ctx, s.address)
	if ctx.Err() != nil {
		s.state.abandon(gen)
		return ctx.Err()
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to fetch balance", "error", err)
		s.metrics.RecordSyncDuration(domainBalance, "error", time.Since(start).Seconds())
		s.state.finish(gen, NotSynced(RemoteError(err)))
		return err
	}

	cached, err := s.store.GetBalance(ctx)
	if err != nil {
		s.state.finish(gen, NotSynced(err))
		return fmt.Errorf("failed to read cached balance: %w", err)
	}

	if cached == nil || *cached != lamports {
		saved, err := s.state.commit(ctx, gen, func() error {
			return s.store.SaveBalance(ctx, lamports)
		})
		if err != nil {
			s.state.finish(gen, NotSynced(err))
			return fmt.Errorf("failed to save balance: %w", err)
		}
		if !saved {
			if ctx.Err() != nil {
				s.state.abandon(gen)
				return ctx.Err()
			}
			return nil
		}
		s.logger.InfoContext(ctx, "balance changed", "lamports", lamports)
		s.metrics.SetBalance(lamports)
		if ctx.Err() == nil && s.state.isCurrent(gen) {
			s.listener.OnUpdateBalance(lamports)
		}
	}

	s.metrics.RecordSyncDuration(domainBalance, "success", time.Since(start).Seconds())
	s.state.finish(gen, Synced())
	return nil
}

// Stop moves to NotSynced(err) and invalidates any in-flight sync.
func (s *BalanceSyncer) Stop(err error) {
	s.state.force(NotSynced(err))
}
