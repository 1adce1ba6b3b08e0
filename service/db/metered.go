package db

import (
	"context"
	"time"

	"github.com/brojonat/solsync/service/metrics"
)

// MeteredStore records the duration and outcome of every call on the wrapped
// Store.
type MeteredStore struct {
	next    Store
	metrics *metrics.Metrics
}

// NewMeteredStore wraps next. With a nil m it returns next unchanged.
func NewMeteredStore(next Store, m *metrics.Metrics) Store {
	if m == nil {
		return next
	}
	return &MeteredStore{next: next, metrics: m}
}

// track starts timing op; the returned func records it with the final *err.
func (s *MeteredStore) track(op, table string, err *error) func() {
	start := time.Now()
	return func() {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), *err)
	}
}

func (s *MeteredStore) GetBalance(ctx context.Context) (_ *uint64, err error) {
	defer s.track("get", "balance", &err)()
	return s.next.GetBalance(ctx)
}

func (s *MeteredStore) SaveBalance(ctx context.Context, lamports uint64) (err error) {
	defer s.track("save", "balance", &err)()
	return s.next.SaveBalance(ctx, lamports)
}

func (s *MeteredStore) GetLastBlockHeight(ctx context.Context) (_ *uint64, err error) {
	defer s.track("get", "last_block_height", &err)()
	return s.next.GetLastBlockHeight(ctx)
}

func (s *MeteredStore) SaveLastBlockHeight(ctx context.Context, height uint64) (err error) {
	defer s.track("save", "last_block_height", &err)()
	return s.next.SaveLastBlockHeight(ctx, height)
}

func (s *MeteredStore) IsInitialSynced(ctx context.Context) (_ bool, err error) {
	defer s.track("get", "initial_sync", &err)()
	return s.next.IsInitialSynced(ctx)
}

func (s *MeteredStore) SaveInitialSync(ctx context.Context) (err error) {
	defer s.track("save", "initial_sync", &err)()
	return s.next.SaveInitialSync(ctx)
}

func (s *MeteredStore) UpsertTransactions(ctx context.Context, txs []FullTransaction) (err error) {
	defer s.track("upsert", "transactions", &err)()
	return s.next.UpsertTransactions(ctx, txs)
}

func (s *MeteredStore) InsertPendingTransaction(ctx context.Context, tx FullTransaction) (err error) {
	defer s.track("insert_pending", "transactions", &err)()
	return s.next.InsertPendingTransaction(ctx, tx)
}

func (s *MeteredStore) UpdateTransactions(ctx context.Context, txs []Transaction) (err error) {
	defer s.track("update", "transactions", &err)()
	return s.next.UpdateTransactions(ctx, txs)
}

func (s *MeteredStore) PendingTransactions(ctx context.Context) (_ []Transaction, err error) {
	defer s.track("list_pending", "transactions", &err)()
	return s.next.PendingTransactions(ctx)
}

func (s *MeteredStore) GetTransaction(ctx context.Context, hash string) (_ *Transaction, err error) {
	defer s.track("get", "transactions", &err)()
	return s.next.GetTransaction(ctx, hash)
}

func (s *MeteredStore) GetFullTransactions(ctx context.Context, hashes []string) (_ []FullTransaction, err error) {
	defer s.track("get_full", "transactions", &err)()
	return s.next.GetFullTransactions(ctx, hashes)
}

func (s *MeteredStore) ListTransactions(ctx context.Context, filter TransactionFilter) (_ []FullTransaction, err error) {
	defer s.track("list", "transactions", &err)()
	return s.next.ListTransactions(ctx, filter)
}

func (s *MeteredStore) GetLastSyncedTransaction(ctx context.Context, syncSourceName string) (_ *LastSyncedTransaction, err error) {
	defer s.track("get", "last_synced_transactions", &err)()
	return s.next.GetLastSyncedTransaction(ctx, syncSourceName)
}

func (s *MeteredStore) SaveLastSyncedTransaction(ctx context.Context, lst LastSyncedTransaction) (err error) {
	defer s.track("save", "last_synced_transactions", &err)()
	return s.next.SaveLastSyncedTransaction(ctx, lst)
}

func (s *MeteredStore) AddTokenAccount(ctx context.Context, account TokenAccount, mint MintAccount) (_ bool, err error) {
	defer s.track("add", "token_accounts", &err)()
	return s.next.AddTokenAccount(ctx, account, mint)
}

func (s *MeteredStore) SaveTokenAccounts(ctx context.Context, accounts []TokenAccount) (err error) {
	defer s.track("save", "token_accounts", &err)()
	return s.next.SaveTokenAccounts(ctx, accounts)
}

func (s *MeteredStore) SaveMintAccounts(ctx context.Context, mints []MintAccount) (err error) {
	defer s.track("save", "mint_accounts", &err)()
	return s.next.SaveMintAccounts(ctx, mints)
}

func (s *MeteredStore) ListTokenAccounts(ctx context.Context) (_ []TokenAccount, err error) {
	defer s.track("list", "token_accounts", &err)()
	return s.next.ListTokenAccounts(ctx)
}

func (s *MeteredStore) GetFullTokenAccount(ctx context.Context, mintAddress string) (_ *FullTokenAccount, err error) {
	defer s.track("get_full", "token_accounts", &err)()
	return s.next.GetFullTokenAccount(ctx, mintAddress)
}

func (s *MeteredStore) ListFullTokenAccounts(ctx context.Context) (_ []FullTokenAccount, err error) {
	defer s.track("list_full", "token_accounts", &err)()
	return s.next.ListFullTokenAccounts(ctx)
}

func (s *MeteredStore) Clear(ctx context.Context) (err error) {
	defer s.track("clear", "all", &err)()
	return s.next.Clear(ctx)
}

func (s *MeteredStore) Close() error {
	return s.next.Close()
}
