package db

import (
	"context"
)

// Store is the durable cache behind the sync engine. Each domain owns its own
// records: balance, block height, token accounts, transactions and the
// per-source watermarks never overlap, so implementations need no cross-domain
// transactions.
//
// Single-row getters return (nil, nil) when the row has never been written.
type Store interface {
	GetBalance(ctx context.Context) (*uint64, error)
	SaveBalance(ctx context.Context, lamports uint64) error

	GetLastBlockHeight(ctx context.Context) (*uint64, error)
	SaveLastBlockHeight(ctx context.Context, height uint64) error

	// IsInitialSynced reports whether the initial-sync marker exists.
	IsInitialSynced(ctx context.Context) (bool, error)
	SaveInitialSync(ctx context.Context) error

	// UpsertTransactions inserts or replaces transactions by hash, together with
	// their token transfers and referenced mints.
	UpsertTransactions(ctx context.Context, txs []FullTransaction) error
	// InsertPendingTransaction records a locally broadcast transaction. It never
	// overwrites an existing record with the same hash.
	InsertPendingTransaction(ctx context.Context, tx FullTransaction) error
	// UpdateTransactions writes back transaction rows (not transfers) in one batch.
	UpdateTransactions(ctx context.Context, txs []Transaction) error
	PendingTransactions(ctx context.Context) ([]Transaction, error)
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	GetFullTransactions(ctx context.Context, hashes []string) ([]FullTransaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]FullTransaction, error)

	GetLastSyncedTransaction(ctx context.Context, syncSourceName string) (*LastSyncedTransaction, error)
	SaveLastSyncedTransaction(ctx context.Context, lst LastSyncedTransaction) error

	// AddTokenAccount inserts the mint and a zero-balance token account if the
	// token account is not tracked yet. It reports whether anything was created.
	AddTokenAccount(ctx context.Context, account TokenAccount, mint MintAccount) (bool, error)
	SaveTokenAccounts(ctx context.Context, accounts []TokenAccount) error
	SaveMintAccounts(ctx context.Context, mints []MintAccount) error
	ListTokenAccounts(ctx context.Context) ([]TokenAccount, error)
	GetFullTokenAccount(ctx context.Context, mintAddress string) (*FullTokenAccount, error)
	ListFullTokenAccounts(ctx context.Context) ([]FullTokenAccount, error)

	// Clear removes every cached record.
	Clear(ctx context.Context) error
	Close() error
}
