package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Store backed by Postgres. Use it when several processes share
// one cache, one database (or schema) per wallet.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new PGStore with the given database connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS balance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		lamports BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS last_block_height (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		height BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS initial_sync (
		id INTEGER PRIMARY KEY CHECK (id = 1)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		hash TEXT PRIMARY KEY,
		timestamp BIGINT NOT NULL,
		fee TEXT,
		from_address TEXT,
		to_address TEXT,
		amount TEXT,
		error TEXT,
		pending BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_timestamp_idx ON transactions (timestamp DESC, hash DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (pending) WHERE pending`,
	`CREATE TABLE IF NOT EXISTS mint_accounts (
		address TEXT PRIMARY KEY,
		decimals INTEGER NOT NULL,
		is_nft BOOLEAN NOT NULL DEFAULT FALSE,
		name TEXT,
		symbol TEXT,
		uri TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS token_transfers (
		transaction_hash TEXT NOT NULL REFERENCES transactions (hash) ON DELETE CASCADE,
		mint_address TEXT NOT NULL REFERENCES mint_accounts (address),
		amount TEXT NOT NULL,
		incoming BOOLEAN NOT NULL,
		PRIMARY KEY (transaction_hash, mint_address, incoming)
	)`,
	`CREATE INDEX IF NOT EXISTS token_transfers_mint_idx ON token_transfers (mint_address)`,
	`CREATE TABLE IF NOT EXISTS token_accounts (
		mint_address TEXT PRIMARY KEY REFERENCES mint_accounts (address),
		balance TEXT NOT NULL,
		decimals INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS last_synced_transactions (
		sync_source_name TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (s *PGStore) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

func (s *PGStore) getUint(ctx context.Context, query string) (*uint64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, query).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u := uint64(v)
	return &u, nil
}

func (s *PGStore) GetBalance(ctx context.Context) (*uint64, error) {
	return s.getUint(ctx, `SELECT lamports FROM balance WHERE id = 1`)
}

func (s *PGStore) SaveBalance(ctx context.Context, lamports uint64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO balance (id, lamports) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET lamports = excluded.lamports`, int64(lamports))
	return err
}

func (s *PGStore) GetLastBlockHeight(ctx context.Context) (*uint64, error) {
	return s.getUint(ctx, `SELECT height FROM last_block_height WHERE id = 1`)
}

func (s *PGStore) SaveLastBlockHeight(ctx context.Context, height uint64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO last_block_height (id, height) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET height = excluded.height`, int64(height))
	return err
}

func (s *PGStore) IsInitialSynced(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM initial_sync)`).Scan(&exists)
	return exists, err
}

func (s *PGStore) SaveInitialSync(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO initial_sync (id) VALUES (1) ON CONFLICT (id) DO NOTHING`)
	return err
}

func (s *PGStore) UpsertTransactions(ctx context.Context, txs []FullTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgSaveMintAccounts(ctx, tx, collectMints(txs)); err != nil {
			return err
		}
		for _, ft := range txs {
			t := ft.Transaction
			if _, err := tx.Exec(ctx, `INSERT INTO transactions
				(hash, timestamp, fee, from_address, to_address, amount, error, pending)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (hash) DO UPDATE SET
					timestamp = excluded.timestamp,
					fee = excluded.fee,
					from_address = excluded.from_address,
					to_address = excluded.to_address,
					amount = excluded.amount,
					error = excluded.error,
					pending = excluded.pending`,
				t.Hash, t.Timestamp, decimalArg(t.Fee), stringArg(t.From), stringArg(t.To),
				decimalArg(t.Amount), stringArg(t.Error), t.Pending); err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", t.Hash, err)
			}
			if err := pgReplaceTransfers(ctx, tx, ft); err != nil {
				return err
			}
		}
		return nil
	})
}

func pgReplaceTransfers(ctx context.Context, tx pgx.Tx, ft FullTransaction) error {
	if _, err := tx.Exec(ctx, `DELETE FROM token_transfers WHERE transaction_hash = $1`, ft.Transaction.Hash); err != nil {
		return err
	}
	for _, tt := range ft.TokenTransfers {
		if _, err := tx.Exec(ctx, `INSERT INTO token_transfers (transaction_hash, mint_address, amount, incoming)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (transaction_hash, mint_address, incoming) DO UPDATE SET amount = excluded.amount`,
			ft.Transaction.Hash, tt.MintAccount.Address, tt.TokenTransfer.Amount.String(), tt.TokenTransfer.Incoming); err != nil {
			return fmt.Errorf("failed to insert token transfer for %s: %w", ft.Transaction.Hash, err)
		}
	}
	return nil
}

func pgSaveMintAccounts(ctx context.Context, tx pgx.Tx, mints []MintAccount) error {
	for _, m := range mints {
		if _, err := tx.Exec(ctx, `INSERT INTO mint_accounts (address, decimals, is_nft, name, symbol, uri)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (address) DO UPDATE SET
				decimals = excluded.decimals,
				is_nft = excluded.is_nft,
				name = COALESCE(excluded.name, mint_accounts.name),
				symbol = COALESCE(excluded.symbol, mint_accounts.symbol),
				uri = COALESCE(excluded.uri, mint_accounts.uri)`,
			m.Address, m.Decimals, m.IsNFT, stringArg(m.Name), stringArg(m.Symbol), stringArg(m.URI)); err != nil {
			return fmt.Errorf("failed to save mint %s: %w", m.Address, err)
		}
	}
	return nil
}

func (s *PGStore) InsertPendingTransaction(ctx context.Context, ft FullTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t := ft.Transaction
		tag, err := tx.Exec(ctx, `INSERT INTO transactions
			(hash, timestamp, fee, from_address, to_address, amount, error, pending)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
			ON CONFLICT (hash) DO NOTHING`,
			t.Hash, t.Timestamp, decimalArg(t.Fee), stringArg(t.From), stringArg(t.To),
			decimalArg(t.Amount), stringArg(t.Error))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := pgSaveMintAccounts(ctx, tx, ft.MintAccounts()); err != nil {
			return err
		}
		return pgReplaceTransfers(ctx, tx, ft)
	})
}

func (s *PGStore) UpdateTransactions(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(`UPDATE transactions SET
			timestamp = $1, fee = $2, from_address = $3, to_address = $4, amount = $5, error = $6, pending = $7
			WHERE hash = $8`,
			t.Timestamp, decimalArg(t.Fee), stringArg(t.From), stringArg(t.To),
			decimalArg(t.Amount), stringArg(t.Error), t.Pending, t.Hash)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func scanPGTransaction(row pgx.Row) (Transaction, error) {
	var (
		t           Transaction
		fee, amount *string
	)
	if err := row.Scan(&t.Hash, &t.Timestamp, &fee, &t.From, &t.To, &amount, &t.Error, &t.Pending); err != nil {
		return t, err
	}
	var err error
	if t.Fee, err = decimalFromStringPtr(fee); err != nil {
		return t, err
	}
	if t.Amount, err = decimalFromStringPtr(amount); err != nil {
		return t, err
	}
	return t, nil
}

func (s *PGStore) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		t, err := scanPGTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PGStore) PendingTransactions(ctx context.Context) ([]Transaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions t
		WHERE t.pending ORDER BY t.timestamp DESC, t.hash DESC`)
}

func (s *PGStore) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	t, err := scanPGTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) GetFullTransactions(ctx context.Context, hashes []string) ([]FullTransaction, error) {
	if len(hashes) == 0 {
		return []FullTransaction{}, nil
	}
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions t
		WHERE t.hash = ANY($1) ORDER BY t.timestamp DESC, t.hash DESC`, hashes)
	if err != nil {
		return nil, err
	}
	return s.withTransfers(ctx, txs)
}

func (s *PGStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]FullTransaction, error) {
	query, args := buildListTransactionsQuery(filter, dollarPlaceholder)
	txs, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return s.withTransfers(ctx, txs)
}

func (s *PGStore) withTransfers(ctx context.Context, txs []Transaction) ([]FullTransaction, error) {
	if len(txs) == 0 {
		return []FullTransaction{}, nil
	}
	hashes := make([]string, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash
	}
	rows, err := s.pool.Query(ctx, `SELECT tt.transaction_hash, tt.mint_address, tt.amount, tt.incoming,
			m.address, m.decimals, m.is_nft, m.name, m.symbol, m.uri
		FROM token_transfers tt
		JOIN mint_accounts m ON m.address = tt.mint_address
		WHERE tt.transaction_hash = ANY($1)
		ORDER BY tt.transaction_hash, tt.mint_address, tt.incoming`, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load token transfers: %w", err)
	}
	defer rows.Close()

	var transfers []FullTokenTransfer
	for rows.Next() {
		var (
			tt     TokenTransfer
			m      MintAccount
			amount string
		)
		if err := rows.Scan(&tt.TransactionHash, &tt.MintAddress, &amount, &tt.Incoming,
			&m.Address, &m.Decimals, &m.IsNFT, &m.Name, &m.Symbol, &m.URI); err != nil {
			return nil, err
		}
		d, err := decimalFromStringPtr(&amount)
		if err != nil {
			return nil, err
		}
		tt.Amount = *d
		transfers = append(transfers, FullTokenTransfer{TokenTransfer: tt, MintAccount: m})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachTransfers(txs, transfers), nil
}

func (s *PGStore) GetLastSyncedTransaction(ctx context.Context, syncSourceName string) (*LastSyncedTransaction, error) {
	lst := LastSyncedTransaction{SyncSourceName: syncSourceName}
	err := s.pool.QueryRow(ctx, `SELECT hash FROM last_synced_transactions WHERE sync_source_name = $1`,
		syncSourceName).Scan(&lst.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lst, nil
}

func (s *PGStore) SaveLastSyncedTransaction(ctx context.Context, lst LastSyncedTransaction) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO last_synced_transactions (sync_source_name, hash) VALUES ($1, $2)
		ON CONFLICT (sync_source_name) DO UPDATE SET hash = excluded.hash`, lst.SyncSourceName, lst.Hash)
	return err
}

func (s *PGStore) AddTokenAccount(ctx context.Context, account TokenAccount, mint MintAccount) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO mint_accounts (address, decimals, is_nft, name, symbol, uri)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (address) DO NOTHING`,
			mint.Address, mint.Decimals, mint.IsNFT, stringArg(mint.Name), stringArg(mint.Symbol), stringArg(mint.URI)); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO token_accounts (mint_address, balance, decimals)
			VALUES ($1, $2, $3) ON CONFLICT (mint_address) DO NOTHING`,
			account.MintAddress, formatBalance(account.Balance), account.Decimals)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() > 0
		return nil
	})
	return created, err
}

func (s *PGStore) SaveTokenAccounts(ctx context.Context, accounts []TokenAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(`INSERT INTO token_accounts (mint_address, balance, decimals)
			VALUES ($1, $2, $3)
			ON CONFLICT (mint_address) DO UPDATE SET balance = excluded.balance, decimals = excluded.decimals`,
			a.MintAddress, formatBalance(a.Balance), a.Decimals)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PGStore) SaveMintAccounts(ctx context.Context, mints []MintAccount) error {
	if len(mints) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return pgSaveMintAccounts(ctx, tx, mints)
	})
}

func (s *PGStore) ListTokenAccounts(ctx context.Context) ([]TokenAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT mint_address, balance, decimals FROM token_accounts ORDER BY mint_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []TokenAccount
	for rows.Next() {
		var (
			a       TokenAccount
			balance string
		)
		if err := rows.Scan(&a.MintAddress, &balance, &a.Decimals); err != nil {
			return nil, err
		}
		if a.Balance, err = parseBalance(balance); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanPGFullTokenAccount(row pgx.Row) (FullTokenAccount, error) {
	var (
		fa      FullTokenAccount
		balance string
	)
	if err := row.Scan(&fa.TokenAccount.MintAddress, &balance, &fa.TokenAccount.Decimals,
		&fa.MintAccount.Address, &fa.MintAccount.Decimals, &fa.MintAccount.IsNFT,
		&fa.MintAccount.Name, &fa.MintAccount.Symbol, &fa.MintAccount.URI); err != nil {
		return fa, err
	}
	var err error
	fa.TokenAccount.Balance, err = parseBalance(balance)
	return fa, err
}

func (s *PGStore) GetFullTokenAccount(ctx context.Context, mintAddress string) (*FullTokenAccount, error) {
	fa, err := scanPGFullTokenAccount(s.pool.QueryRow(ctx, fullTokenAccountQuery+` WHERE a.mint_address = $1`, mintAddress))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fa, nil
}

func (s *PGStore) ListFullTokenAccounts(ctx context.Context) ([]FullTokenAccount, error) {
	rows, err := s.pool.Query(ctx, fullTokenAccountQuery+` ORDER BY a.mint_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []FullTokenAccount
	for rows.Next() {
		fa, err := scanPGFullTokenAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, fa)
	}
	return accounts, rows.Err()
}

func (s *PGStore) Clear(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range clearOrder {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Close closes the underlying pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
