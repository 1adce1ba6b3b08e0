package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default local Store: one database file per wallet.
// Writes go through a single connection so SQLite never sees concurrent writers.
type SQLiteStore struct {
	db *sql.DB
}

// DBPath returns the database file used for a wallet inside dataDir.
func DBPath(dataDir, walletID string) string {
	return filepath.Join(dataDir, "solsync-"+walletID+".db")
}

// RemoveDatabase deletes the database file at path together with its WAL and
// shared-memory companions. Missing files are not an error.
func RemoveDatabase(path string) error {
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS balance (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			lamports INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS last_block_height (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			height INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS initial_sync (
			id INTEGER PRIMARY KEY CHECK (id = 1)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			hash TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			fee TEXT,
			from_address TEXT,
			to_address TEXT,
			amount TEXT,
			error TEXT,
			pending INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_timestamp_idx ON transactions (timestamp DESC, hash DESC)`,
		`CREATE INDEX IF NOT EXISTS transactions_pending_idx ON transactions (pending)`,
		`CREATE TABLE IF NOT EXISTS mint_accounts (
			address TEXT PRIMARY KEY,
			decimals INTEGER NOT NULL,
			is_nft INTEGER NOT NULL DEFAULT 0,
			name TEXT,
			symbol TEXT,
			uri TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS token_transfers (
			transaction_hash TEXT NOT NULL REFERENCES transactions (hash) ON DELETE CASCADE,
			mint_address TEXT NOT NULL REFERENCES mint_accounts (address),
			amount TEXT NOT NULL,
			incoming INTEGER NOT NULL,
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
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) getUint(ctx context.Context, query string) (*uint64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u := uint64(v)
	return &u, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context) (*uint64, error) {
	return s.getUint(ctx, `SELECT lamports FROM balance WHERE id = 1`)
}

func (s *SQLiteStore) SaveBalance(ctx context.Context, lamports uint64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO balance (id, lamports) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET lamports = excluded.lamports`, int64(lamports))
	return err
}

func (s *SQLiteStore) GetLastBlockHeight(ctx context.Context) (*uint64, error) {
	return s.getUint(ctx, `SELECT height FROM last_block_height WHERE id = 1`)
}

func (s *SQLiteStore) SaveLastBlockHeight(ctx context.Context, height uint64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO last_block_height (id, height) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET height = excluded.height`, int64(height))
	return err
}

func (s *SQLiteStore) IsInitialSynced(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM initial_sync`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveInitialSync(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO initial_sync (id) VALUES (1) ON CONFLICT(id) DO NOTHING`)
	return err
}

func (s *SQLiteStore) UpsertTransactions(ctx context.Context, txs []FullTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveMintAccountsTx(ctx, tx, collectMints(txs)); err != nil {
			return err
		}
		for _, ft := range txs {
			t := ft.Transaction
			if _, err := tx.ExecContext(ctx, `INSERT INTO transactions
				(hash, timestamp, fee, from_address, to_address, amount, error, pending)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(hash) DO UPDATE SET
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
			if err := replaceTransfersTx(ctx, tx, ft); err != nil {
				return err
			}
		}
		return nil
	})
}

func replaceTransfersTx(ctx context.Context, tx *sql.Tx, ft FullTransaction) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM token_transfers WHERE transaction_hash = ?`, ft.Transaction.Hash); err != nil {
		return err
	}
	for _, tt := range ft.TokenTransfers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO token_transfers (transaction_hash, mint_address, amount, incoming)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(transaction_hash, mint_address, incoming) DO UPDATE SET amount = excluded.amount`,
			ft.Transaction.Hash, tt.MintAccount.Address, tt.TokenTransfer.Amount.String(), tt.TokenTransfer.Incoming); err != nil {
			return fmt.Errorf("failed to insert token transfer for %s: %w", ft.Transaction.Hash, err)
		}
	}
	return nil
}

func saveMintAccountsTx(ctx context.Context, tx *sql.Tx, mints []MintAccount) error {
	for _, m := range mints {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mint_accounts (address, decimals, is_nft, name, symbol, uri)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
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

func (s *SQLiteStore) InsertPendingTransaction(ctx context.Context, ft FullTransaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		t := ft.Transaction
		res, err := tx.ExecContext(ctx, `INSERT INTO transactions
			(hash, timestamp, fee, from_address, to_address, amount, error, pending)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(hash) DO NOTHING`,
			t.Hash, t.Timestamp, decimalArg(t.Fee), stringArg(t.From), stringArg(t.To),
			decimalArg(t.Amount), stringArg(t.Error))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := saveMintAccountsTx(ctx, tx, ft.MintAccounts()); err != nil {
			return err
		}
		return replaceTransfersTx(ctx, tx, ft)
	})
}

func (s *SQLiteStore) UpdateTransactions(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE transactions SET
			timestamp = ?, fee = ?, from_address = ?, to_address = ?, amount = ?, error = ?, pending = ?
			WHERE hash = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range txs {
			if _, err := stmt.ExecContext(ctx, t.Timestamp, decimalArg(t.Fee), stringArg(t.From), stringArg(t.To),
				decimalArg(t.Amount), stringArg(t.Error), t.Pending, t.Hash); err != nil {
				return fmt.Errorf("failed to update transaction %s: %w", t.Hash, err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row rowScanner) (Transaction, error) {
	var (
		t                               Transaction
		fee, from, to, amount, errorStr sql.NullString
	)
	if err := row.Scan(&t.Hash, &t.Timestamp, &fee, &from, &to, &amount, &errorStr, &t.Pending); err != nil {
		return t, err
	}
	var err error
	if t.Fee, err = decimalFromStringPtr(nullStringPtr(fee)); err != nil {
		return t, err
	}
	if t.Amount, err = decimalFromStringPtr(nullStringPtr(amount)); err != nil {
		return t, err
	}
	t.From = nullStringPtr(from)
	t.To = nullStringPtr(to)
	t.Error = nullStringPtr(errorStr)
	return t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		t, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) PendingTransactions(ctx context.Context) ([]Transaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions t
		WHERE t.pending = 1 ORDER BY t.timestamp DESC, t.hash DESC`)
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	t, err := scanSQLiteTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions t WHERE t.hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) GetFullTransactions(ctx context.Context, hashes []string) ([]FullTransaction, error) {
	if len(hashes) == 0 {
		return []FullTransaction{}, nil
	}
	txs, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions t
		WHERE t.hash IN `+inClause(len(hashes), 0, questionPlaceholder)+`
		ORDER BY t.timestamp DESC, t.hash DESC`, stringsToArgs(hashes)...)
	if err != nil {
		return nil, err
	}
	return s.withTransfers(ctx, txs)
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]FullTransaction, error) {
	query, args := buildListTransactionsQuery(filter, questionPlaceholder)
	txs, err := s.queryTransactions(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return s.withTransfers(ctx, txs)
}

func (s *SQLiteStore) withTransfers(ctx context.Context, txs []Transaction) ([]FullTransaction, error) {
	if len(txs) == 0 {
		return []FullTransaction{}, nil
	}
	hashes := make([]string, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tt.transaction_hash, tt.mint_address, tt.amount, tt.incoming,
			m.address, m.decimals, m.is_nft, m.name, m.symbol, m.uri
		FROM token_transfers tt
		JOIN mint_accounts m ON m.address = tt.mint_address
		WHERE tt.transaction_hash IN `+inClause(len(hashes), 0, questionPlaceholder)+`
		ORDER BY tt.transaction_hash, tt.mint_address, tt.incoming`, stringsToArgs(hashes)...)
	if err != nil {
		return nil, fmt.Errorf("failed to load token transfers: %w", err)
	}
	defer rows.Close()

	var transfers []FullTokenTransfer
	for rows.Next() {
		var (
			ft                TokenTransfer
			m                 MintAccount
			amount            string
			name, symbol, uri sql.NullString
		)
		if err := rows.Scan(&ft.TransactionHash, &ft.MintAddress, &amount, &ft.Incoming,
			&m.Address, &m.Decimals, &m.IsNFT, &name, &symbol, &uri); err != nil {
			return nil, err
		}
		d, err := decimalFromStringPtr(&amount)
		if err != nil {
			return nil, err
		}
		ft.Amount = *d
		m.Name, m.Symbol, m.URI = nullStringPtr(name), nullStringPtr(symbol), nullStringPtr(uri)
		transfers = append(transfers, FullTokenTransfer{TokenTransfer: ft, MintAccount: m})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attachTransfers(txs, transfers), nil
}

func (s *SQLiteStore) GetLastSyncedTransaction(ctx context.Context, syncSourceName string) (*LastSyncedTransaction, error) {
	lst := LastSyncedTransaction{SyncSourceName: syncSourceName}
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM last_synced_transactions WHERE sync_source_name = ?`,
		syncSourceName).Scan(&lst.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lst, nil
}

func (s *SQLiteStore) SaveLastSyncedTransaction(ctx context.Context, lst LastSyncedTransaction) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO last_synced_transactions (sync_source_name, hash) VALUES (?, ?)
		ON CONFLICT(sync_source_name) DO UPDATE SET hash = excluded.hash`, lst.SyncSourceName, lst.Hash)
	return err
}

func (s *SQLiteStore) AddTokenAccount(ctx context.Context, account TokenAccount, mint MintAccount) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mint_accounts (address, decimals, is_nft, name, symbol, uri)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(address) DO NOTHING`,
			mint.Address, mint.Decimals, mint.IsNFT, stringArg(mint.Name), stringArg(mint.Symbol), stringArg(mint.URI)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO token_accounts (mint_address, balance, decimals)
			VALUES (?, ?, ?) ON CONFLICT(mint_address) DO NOTHING`,
			account.MintAddress, formatBalance(account.Balance), account.Decimals)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	return created, err
}

func (s *SQLiteStore) SaveTokenAccounts(ctx context.Context, accounts []TokenAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range accounts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO token_accounts (mint_address, balance, decimals)
				VALUES (?, ?, ?)
				ON CONFLICT(mint_address) DO UPDATE SET balance = excluded.balance, decimals = excluded.decimals`,
				a.MintAddress, formatBalance(a.Balance), a.Decimals); err != nil {
				return fmt.Errorf("failed to save token account %s: %w", a.MintAddress, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) SaveMintAccounts(ctx context.Context, mints []MintAccount) error {
	if len(mints) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveMintAccountsTx(ctx, tx, mints)
	})
}

func (s *SQLiteStore) ListTokenAccounts(ctx context.Context) ([]TokenAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mint_address, balance, decimals FROM token_accounts ORDER BY mint_address`)
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

const fullTokenAccountQuery = `SELECT a.mint_address, a.balance, a.decimals,
		m.address, m.decimals, m.is_nft, m.name, m.symbol, m.uri
	FROM token_accounts a
	JOIN mint_accounts m ON m.address = a.mint_address`

func scanSQLiteFullTokenAccount(row rowScanner) (FullTokenAccount, error) {
	var (
		fa                FullTokenAccount
		balance           string
		name, symbol, uri sql.NullString
	)
	if err := row.Scan(&fa.TokenAccount.MintAddress, &balance, &fa.TokenAccount.Decimals,
		&fa.MintAccount.Address, &fa.MintAccount.Decimals, &fa.MintAccount.IsNFT, &name, &symbol, &uri); err != nil {
		return fa, err
	}
	var err error
	if fa.TokenAccount.Balance, err = parseBalance(balance); err != nil {
		return fa, err
	}
	fa.MintAccount.Name, fa.MintAccount.Symbol, fa.MintAccount.URI = nullStringPtr(name), nullStringPtr(symbol), nullStringPtr(uri)
	return fa, nil
}

func (s *SQLiteStore) GetFullTokenAccount(ctx context.Context, mintAddress string) (*FullTokenAccount, error) {
	fa, err := scanSQLiteFullTokenAccount(s.db.QueryRowContext(ctx, fullTokenAccountQuery+` WHERE a.mint_address = ?`, mintAddress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fa, nil
}

func (s *SQLiteStore) ListFullTokenAccounts(ctx context.Context) ([]FullTokenAccount, error) {
	rows, err := s.db.QueryContext(ctx, fullTokenAccountQuery+` ORDER BY a.mint_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []FullTokenAccount
	for rows.Next() {
		fa, err := scanSQLiteFullTokenAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, fa)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range clearOrder {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// clearOrder lists tables children first so foreign keys never block a delete.
var clearOrder = []string{
	"token_transfers",
	"token_accounts",
	"transactions",
	"mint_accounts",
	"last_synced_transactions",
	"initial_sync",
	"last_block_height",
	"balance",
}
