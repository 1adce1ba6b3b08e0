package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/solana"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

var errRemote = errors.New("rpc unavailable")

// fakeLedger implements every ledger interface the syncers use.
type fakeLedger struct {
	mu            sync.Mutex
	balance       uint64
	balanceErr    error
	height        uint64
	heightErr     error
	tokenBalances map[string]uint64
	tokenErr      error
	confirmations map[string]*solana.Confirmation
	confirmErrs   map[string]error

	// When set, GetBalance signals balanceEntered and waits for releaseBalance.
	releaseBalance chan struct{}
	balanceEntered chan struct{}
	// Same for GetTokenBalances.
	releaseTokens chan struct{}
	tokensEntered chan struct{}

	balanceCalls atomic.Int32
	heightCalls  atomic.Int32
	tokenCalls   atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		tokenBalances: make(map[string]uint64),
		confirmations: make(map[string]*solana.Confirmation),
		confirmErrs:   make(map[string]error),
	}
}

func (f *fakeLedger) GetBalance(ctx context.Context, address string) (uint64, error) {
	f.balanceCalls.Add(1)
	if f.releaseBalance != nil {
		f.balanceEntered <- struct{}{}
		select {
		case <-f.releaseBalance:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

func (f *fakeLedger) GetBlockHeight(ctx context.Context) (uint64, error) {
	f.heightCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeLedger) GetTokenBalances(ctx context.Context, owner string, mints []string) (map[string]uint64, error) {
	f.tokenCalls.Add(1)
	if f.releaseTokens != nil {
		f.tokensEntered <- struct{}{}
		select {
		case <-f.releaseTokens:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	out := make(map[string]uint64, len(mints))
	for _, m := range mints {
		out[m] = f.tokenBalances[m]
	}
	return out, nil
}

func (f *fakeLedger) GetConfirmedTransaction(ctx context.Context, hash string) (*solana.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.confirmErrs[hash]; err != nil {
		return nil, err
	}
	if c, ok := f.confirmations[hash]; ok {
		return c, nil
	}
	return &solana.Confirmation{}, nil
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeSource returns one page per call, then nothing.
type fakeSource struct {
	name string

	// When set, GetTransactions signals entered and waits for release.
	release chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	pages  [][]db.FullTransaction
	err    error
	afters []string
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) GetTransactions(ctx context.Context, afterHash string) ([]db.FullTransaction, error) {
	s.mu.Lock()
	s.afters = append(s.afters, afterHash)
	s.mu.Unlock()
	if s.release != nil {
		s.entered <- struct{}{}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pages) == 0 {
		return nil, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}

func (s *fakeSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.afters)
}

func (s *fakeSource) push(page ...db.FullTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
}

// recorder captures every listener callback.
type recorder struct {
	mu            sync.Mutex
	heights       []uint64
	balances      []uint64
	balanceStates []SyncState
	tokenStates   []SyncState
	txStates      []SyncState
	tokenAccounts []db.FullTokenAccount
	txBatches     [][]db.FullTransaction
}

func (r *recorder) OnUpdateLastBlockHeight(h uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heights = append(r.heights, h)
}

func (r *recorder) OnUpdateBalanceSyncState(s SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balanceStates = append(r.balanceStates, s)
}

func (r *recorder) OnUpdateBalance(b uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances = append(r.balances, b)
}

func (r *recorder) OnUpdateTokenSyncState(s SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenStates = append(r.tokenStates, s)
}

func (r *recorder) OnUpdateTransactionSyncState(s SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txStates = append(r.txStates, s)
}

func (r *recorder) OnUpdateTokenAccount(a db.FullTokenAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenAccounts = append(r.tokenAccounts, a)
}

func (r *recorder) OnUpdateTransactions(txs []db.FullTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txBatches = append(r.txBatches, txs)
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		heights:       append([]uint64(nil), r.heights...),
		balances:      append([]uint64(nil), r.balances...),
		balanceStates: append([]SyncState(nil), r.balanceStates...),
		tokenStates:   append([]SyncState(nil), r.tokenStates...),
		txStates:      append([]SyncState(nil), r.txStates...),
		tokenAccounts: append([]db.FullTokenAccount(nil), r.tokenAccounts...),
		txBatches:     append([][]db.FullTransaction(nil), r.txBatches...),
	}
}

func kinds(states []SyncState) []StateKind {
	out := make([]StateKind, len(states))
	for i, s := range states {
		out[i] = s.Kind()
	}
	return out
}

func mkTx(hash string, ts int64) db.FullTransaction {
	amount := decimal.RequireFromString("0.5")
	to := testWallet
	return db.FullTransaction{
		Transaction: db.Transaction{
			Hash:      hash,
			Timestamp: ts,
			To:        &to,
			Amount:    &amount,
		},
		TokenTransfers: []db.FullTokenTransfer{},
	}
}

func mkTokenTx(hash string, ts int64, mint string, decimals int, incoming bool) db.FullTransaction {
	return db.FullTransaction{
		Transaction: db.Transaction{Hash: hash, Timestamp: ts},
		TokenTransfers: []db.FullTokenTransfer{{
			TokenTransfer: db.TokenTransfer{
				TransactionHash: hash,
				MintAddress:     mint,
				Amount:          decimal.NewFromInt(10),
				Incoming:        incoming,
			},
			MintAccount: db.MintAccount{Address: mint, Decimals: decimals},
		}},
	}
}

// mkIncomplete is a metadata-only record whose details could not be fetched.
func mkIncomplete(hash string, ts int64) db.FullTransaction {
	return db.FullTransaction{
		Transaction:    db.Transaction{Hash: hash, Timestamp: ts},
		TokenTransfers: []db.FullTokenTransfer{},
		Incomplete:     true,
	}
}

func watermark(t *testing.T, store db.Store, source string) string {
	t.Helper()
	lst, err := store.GetLastSyncedTransaction(context.Background(), source)
	require.NoError(t, err)
	if lst == nil {
		return ""
	}
	return lst.Hash
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
