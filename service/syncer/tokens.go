package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
)

const domainTokens = "tokens"

// TokenBalanceFetcher reads the owner's balance for each mint. Mints without
// an account on chain map to 0.
type TokenBalanceFetcher interface {
	GetTokenBalances(ctx context.Context, owner string, mints []string) (map[string]uint64, error)
}

// TokenSyncer refreshes the balances of all tracked token accounts.
type TokenSyncer struct {
	owner    string
	client   TokenBalanceFetcher
	store    db.Store
	listener Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics
	state    *stateHolder
}

func NewTokenSyncer(owner string, client TokenBalanceFetcher, store db.Store, listener Listener, logger *slog.Logger, m *metrics.Metrics) *TokenSyncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &TokenSyncer{
		owner:    owner,
		client:   client,
		store:    store,
		listener: listener,
		logger:   logger.With("component", "token_syncer"),
		metrics:  m,
	}
	s.state = newStateHolder(domainTokens, m, listener.OnUpdateTokenSyncState)
	return s
}

func (s *TokenSyncer) State() SyncState { return s.state.current() }

// AddTokenAccount starts tracking mint. It reports whether the account was new.
func (s *TokenSyncer) AddTokenAccount(ctx context.Context, mint db.MintAccount) (bool, error) {
	created, err := s.store.AddTokenAccount(ctx, db.TokenAccount{
		MintAddress: mint.Address,
		Decimals:    mint.Decimals,
	}, mint)
	if err != nil {
		return false, fmt.Errorf("failed to add token account %s: %w", mint.Address, err)
	}
	if created {
		s.logger.InfoContext(ctx, "tracking token account", "mint", mint.Address)
	}
	return created, nil
}

// TokenAccount returns the tracked account for mint, or nil.
func (s *TokenSyncer) TokenAccount(ctx context.Context, mint string) (*db.FullTokenAccount, error) {
	return s.store.GetFullTokenAccount(ctx, mint)
}

// FungibleTokenAccounts returns tracked accounts whose mint is not an NFT.
func (s *TokenSyncer) FungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error) {
	return s.listWhere(ctx, false)
}

// NonFungibleTokenAccounts returns tracked NFT accounts.
func (s *TokenSyncer) NonFungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error) {
	return s.listWhere(ctx, true)
}

func (s *TokenSyncer) listWhere(ctx context.Context, nft bool) ([]db.FullTokenAccount, error) {
	all, err := s.store.ListFullTokenAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list token accounts: %w", err)
	}
	out := make([]db.FullTokenAccount, 0, len(all))
	for _, a := range all {
		if a.MintAccount.IsNFT == nft {
			out = append(out, a)
		}
	}
	return out, nil
}

// Sync fetches balances for every tracked mint and persists the ones that
// changed. It returns immediately when a sync is already running.
func (s *TokenSyncer) Sync(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	gen, ok := s.state.begin()
	if !ok {
		return nil
	}
	start := time.Now()

	accounts, err := s.store.ListTokenAccounts(ctx)
	if err != nil {
		s.state.finish(gen, NotSynced(err))
		return fmt.Errorf("failed to list token accounts: %w", err)
	}
	if len(accounts) == 0 {
		s.state.finish(gen, Synced())
		return nil
	}

	mints := make([]string, len(accounts))
	for i, a := range accounts {
		mints[i] = a.MintAddress
	}

	balances, err := s.client.GetTokenBalances(ctx, s.owner, mints)
	if ctx.Err() != nil {
		s.state.abandon(gen)
		return ctx.Err()
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to fetch token balances", "error", err)
		s.metrics.RecordSyncDuration(domainTokens, "error", time.Since(start).Seconds())
		s.state.finish(gen, NotSynced(RemoteError(err)))
		return err
	}

	var changed []db.TokenAccount
	for _, a := range accounts {
		b := balances[a.MintAddress]
		if b == a.Balance {
			continue
		}
		a.Balance = b
		changed = append(changed, a)
	}

	if len(changed) > 0 {
		saved, err := s.state.commit(ctx, gen, func() error {
			return s.store.SaveTokenAccounts(ctx, changed)
		})
		if err != nil {
			s.state.finish(gen, NotSynced(err))
			return fmt.Errorf("failed to save token accounts: %w", err)
		}
		if !saved {
			if ctx.Err() != nil {
				s.state.abandon(gen)
				return ctx.Err()
			}
			return nil
		}
		s.logger.InfoContext(ctx, "token balances changed", "count", len(changed))
		s.notifyChanged(ctx, gen, changed)
	}

	s.metrics.RecordSyncDuration(domainTokens, "success", time.Since(start).Seconds())
	s.state.finish(gen, Synced())
	return nil
}

func (s *TokenSyncer) notifyChanged(ctx context.Context, gen uint64, changed []db.TokenAccount) {
	tl, ok := s.listener.(TokenAccountListener)
	if !ok {
		return
	}
	for _, a := range changed {
		full, err := s.store.GetFullTokenAccount(ctx, a.MintAddress)
		if err != nil || full == nil {
			s.logger.WarnContext(ctx, "failed to load token account", "mint", a.MintAddress, "error", err)
			continue
		}
		if ctx.Err() != nil || !s.state.isCurrent(gen) {
			return
		}
		tl.OnUpdateTokenAccount(*full)
	}
}

// Stop moves to NotSynced(err) and invalidates any in-flight sync.
func (s *TokenSyncer) Stop(err error) {
	s.state.force(NotSynced(err))
}
