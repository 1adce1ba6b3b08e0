package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "Own3r1111111111111111111111111111111111111"

func strPtr(s string) *string { return &s }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

var (
	mintA = MintAccount{Address: "MintA111111111111111111111111111111111111111", Decimals: 6}
	mintB = MintAccount{Address: "MintB111111111111111111111111111111111111111", Decimals: 0, IsNFT: true}
)

// historyFixture returns four transactions: outgoing SOL, incoming SOL,
// incoming token A and outgoing NFT B. h3 and h4 share a timestamp.
func historyFixture() []FullTransaction {
	return []FullTransaction{
		{Transaction: Transaction{Hash: "h1", Timestamp: 100, Fee: decPtr("0.000005"), From: strPtr(testOwner), To: strPtr("Other"), Amount: decPtr("1")}},
		{Transaction: Transaction{Hash: "h2", Timestamp: 200, Fee: decPtr("0.000005"), From: strPtr("Other"), To: strPtr(testOwner), Amount: decPtr("2.5")}},
		{
			Transaction: Transaction{Hash: "h3", Timestamp: 300, Fee: decPtr("0.000005")},
			TokenTransfers: []FullTokenTransfer{{
				TokenTransfer: TokenTransfer{TransactionHash: "h3", MintAddress: mintA.Address, Amount: decimal.RequireFromString("10.5"), Incoming: true},
				MintAccount:   mintA,
			}},
		},
		{
			Transaction: Transaction{Hash: "h4", Timestamp: 300, Fee: decPtr("0.000005")},
			TokenTransfers: []FullTokenTransfer{{
				TokenTransfer: TokenTransfer{TransactionHash: "h4", MintAddress: mintB.Address, Amount: decimal.NewFromInt(1), Incoming: false},
				MintAccount:   mintB,
			}},
		},
	}
}

func hashesOf(txs []FullTransaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Transaction.Hash
	}
	return out
}

// runStoreTests exercises the Store contract against one implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("single rows start empty", func(t *testing.T) {
		s := newStore(t)

		balance, err := s.GetBalance(ctx)
		require.NoError(t, err)
		assert.Nil(t, balance)

		height, err := s.GetLastBlockHeight(ctx)
		require.NoError(t, err)
		assert.Nil(t, height)

		synced, err := s.IsInitialSynced(ctx)
		require.NoError(t, err)
		assert.False(t, synced)
	})

	t.Run("single rows round trip", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.SaveBalance(ctx, 5_000_000_000))
		require.NoError(t, s.SaveBalance(ctx, 6_000_000_000))
		balance, err := s.GetBalance(ctx)
		require.NoError(t, err)
		require.NotNil(t, balance)
		assert.Equal(t, uint64(6_000_000_000), *balance)

		require.NoError(t, s.SaveLastBlockHeight(ctx, 1000))
		height, err := s.GetLastBlockHeight(ctx)
		require.NoError(t, err)
		require.NotNil(t, height)
		assert.Equal(t, uint64(1000), *height)

		require.NoError(t, s.SaveInitialSync(ctx))
		require.NoError(t, s.SaveInitialSync(ctx))
		synced, err := s.IsInitialSynced(ctx)
		require.NoError(t, err)
		assert.True(t, synced)
	})

	t.Run("upsert is idempotent and replaces transfers", func(t *testing.T) {
		s := newStore(t)
		txs := historyFixture()

		require.NoError(t, s.UpsertTransactions(ctx, txs))
		require.NoError(t, s.UpsertTransactions(ctx, txs))

		all, err := s.ListTransactions(ctx, TransactionFilter{Owner: testOwner})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		got, err := s.GetFullTransactions(ctx, []string{"h3"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Len(t, got[0].TokenTransfers, 1)
		tt := got[0].TokenTransfers[0]
		assert.Equal(t, mintA.Address, tt.MintAccount.Address)
		assert.Equal(t, 6, tt.MintAccount.Decimals)
		assert.True(t, tt.TokenTransfer.Incoming)
		assert.True(t, tt.TokenTransfer.Amount.Equal(decimal.RequireFromString("10.5")))

		// Re-deriving h3 with a different amount leaves exactly one transfer.
		updated := txs[2]
		updated.TokenTransfers = []FullTokenTransfer{{
			TokenTransfer: TokenTransfer{TransactionHash: "h3", MintAddress: mintA.Address, Amount: decimal.NewFromInt(11), Incoming: true},
			MintAccount:   mintA,
		}}
		require.NoError(t, s.UpsertTransactions(ctx, []FullTransaction{updated}))
		got, err = s.GetFullTransactions(ctx, []string{"h3"})
		require.NoError(t, err)
		require.Len(t, got[0].TokenTransfers, 1)
		assert.True(t, got[0].TokenTransfers[0].TokenTransfer.Amount.Equal(decimal.NewFromInt(11)))
	})

	t.Run("transaction fields round trip", func(t *testing.T) {
		s := newStore(t)
		tx := FullTransaction{Transaction: Transaction{
			Hash:      "failed",
			Timestamp: 42,
			Fee:       decPtr("0.000005"),
			From:      strPtr(testOwner),
			Error:     strPtr("InstructionError"),
		}}
		require.NoError(t, s.UpsertTransactions(ctx, []FullTransaction{tx}))

		got, err := s.GetTransaction(ctx, "failed")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(42), got.Timestamp)
		require.NotNil(t, got.Fee)
		assert.True(t, got.Fee.Equal(decimal.RequireFromString("0.000005")))
		assert.Equal(t, testOwner, *got.From)
		assert.Nil(t, got.To)
		assert.Nil(t, got.Amount)
		assert.Equal(t, "InstructionError", *got.Error)
		assert.False(t, got.Pending)

		missing, err := s.GetTransaction(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("pending insert never overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertTransactions(ctx, historyFixture()))

		require.NoError(t, s.InsertPendingTransaction(ctx, FullTransaction{
			Transaction: Transaction{Hash: "h1", Timestamp: 999, To: strPtr("Someone")},
		}))
		got, err := s.GetTransaction(ctx, "h1")
		require.NoError(t, err)
		assert.False(t, got.Pending)
		assert.Equal(t, int64(100), got.Timestamp)

		require.NoError(t, s.InsertPendingTransaction(ctx, FullTransaction{
			Transaction: Transaction{Hash: "p1", Timestamp: 400, From: strPtr(testOwner), To: strPtr("Other"), Amount: decPtr("0.1")},
		}))
		pending, err := s.PendingTransactions(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "p1", pending[0].Hash)
		assert.True(t, pending[0].Pending)

		pending[0].Pending = false
		pending[0].Error = strPtr("custom program error")
		require.NoError(t, s.UpdateTransactions(ctx, pending))

		pending, err = s.PendingTransactions(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
		got, err = s.GetTransaction(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "custom program error", *got.Error)
	})

	t.Run("watermark", func(t *testing.T) {
		s := newStore(t)

		lst, err := s.GetLastSyncedTransaction(ctx, "rpc:test")
		require.NoError(t, err)
		assert.Nil(t, lst)

		require.NoError(t, s.SaveLastSyncedTransaction(ctx, LastSyncedTransaction{SyncSourceName: "rpc:test", Hash: "B"}))
		require.NoError(t, s.SaveLastSyncedTransaction(ctx, LastSyncedTransaction{SyncSourceName: "rpc:test", Hash: "D"}))
		require.NoError(t, s.SaveLastSyncedTransaction(ctx, LastSyncedTransaction{SyncSourceName: "rpc:other", Hash: "Z"}))

		lst, err = s.GetLastSyncedTransaction(ctx, "rpc:test")
		require.NoError(t, err)
		require.NotNil(t, lst)
		assert.Equal(t, "D", lst.Hash)
	})

	t.Run("token accounts", func(t *testing.T) {
		s := newStore(t)

		created, err := s.AddTokenAccount(ctx, TokenAccount{MintAddress: mintA.Address, Decimals: 6}, mintA)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.AddTokenAccount(ctx, TokenAccount{MintAddress: mintA.Address, Decimals: 6}, mintA)
		require.NoError(t, err)
		assert.False(t, created)

		_, err = s.AddTokenAccount(ctx, TokenAccount{MintAddress: mintB.Address}, mintB)
		require.NoError(t, err)

		require.NoError(t, s.SaveTokenAccounts(ctx, []TokenAccount{
			{MintAddress: mintA.Address, Balance: 18_446_744_073_709_551_615, Decimals: 6},
			{MintAddress: mintB.Address, Balance: 1, Decimals: 0},
		}))

		accounts, err := s.ListTokenAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, uint64(18_446_744_073_709_551_615), accounts[0].Balance)

		full, err := s.GetFullTokenAccount(ctx, mintB.Address)
		require.NoError(t, err)
		require.NotNil(t, full)
		assert.True(t, full.MintAccount.IsNFT)
		assert.Equal(t, uint64(1), full.TokenAccount.Balance)

		missing, err := s.GetFullTokenAccount(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, missing)

		name := "USD Coin"
		require.NoError(t, s.SaveMintAccounts(ctx, []MintAccount{{Address: mintA.Address, Decimals: 6, Name: &name}}))
		all, err := s.ListFullTokenAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.NotNil(t, all[0].MintAccount.Name)
		assert.Equal(t, name, *all[0].MintAccount.Name)
	})

	t.Run("list transactions filters and pages", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertTransactions(ctx, historyFixture()))

		tests := []struct {
			name   string
			filter TransactionFilter
			want   []string
		}{
			{"all", TransactionFilter{}, []string{"h4", "h3", "h2", "h1"}},
			{"incoming", TransactionFilter{Direction: DirectionIncoming}, []string{"h3", "h2"}},
			{"outgoing", TransactionFilter{Direction: DirectionOutgoing}, []string{"h4", "h1"}},
			{"sol", TransactionFilter{Kind: KindSOL}, []string{"h2", "h1"}},
			{"sol incoming", TransactionFilter{Kind: KindSOL, Direction: DirectionIncoming}, []string{"h2"}},
			{"spl", TransactionFilter{Kind: KindSPL}, []string{"h4", "h3"}},
			{"spl by mint", TransactionFilter{Kind: KindSPL, Mint: mintA.Address}, []string{"h3"}},
			{"spl by mint outgoing", TransactionFilter{Kind: KindSPL, Mint: mintA.Address, Direction: DirectionOutgoing}, []string{}},
			{"limit", TransactionFilter{Limit: 1}, []string{"h4"}},
			{"from hash same timestamp", TransactionFilter{FromHash: "h4", Limit: 2}, []string{"h3", "h2"}},
			{"from hash", TransactionFilter{FromHash: "h3"}, []string{"h2", "h1"}},
			{"from unknown hash", TransactionFilter{FromHash: "zzz"}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tt.filter.Owner = testOwner
				got, err := s.ListTransactions(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, tt.want, hashesOf(got))
			})
		}
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertTransactions(ctx, historyFixture()))
		require.NoError(t, s.SaveBalance(ctx, 1))
		_, err := s.AddTokenAccount(ctx, TokenAccount{MintAddress: mintA.Address, Decimals: 6}, mintA)
		require.NoError(t, err)

		require.NoError(t, s.Clear(ctx))

		balance, err := s.GetBalance(ctx)
		require.NoError(t, err)
		assert.Nil(t, balance)
		all, err := s.ListTransactions(ctx, TransactionFilter{Owner: testOwner})
		require.NoError(t, err)
		assert.Empty(t, all)
		accounts, err := s.ListTokenAccounts(ctx)
		require.NoError(t, err)
		assert.Empty(t, accounts)
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewTestSQLiteStore(t)
	})
}

func TestPGStore(t *testing.T) {
	SkipIfNoTestDB(t)

	runStoreTests(t, func(t *testing.T) Store {
		ts := NewTestStore(t)
		t.Cleanup(ts.Close)
		return ts.PGStore
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := DBPath(t.TempDir(), "main")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveBalance(ctx, 42))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	balance, err := s.GetBalance(ctx)
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.Equal(t, uint64(42), *balance)
}

func TestRemoveDatabase(t *testing.T) {
	dir := t.TempDir()
	path := DBPath(dir, "wallet-1")
	assert.Equal(t, filepath.Join(dir, "solsync-wallet-1.db"), path)

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveBalance(context.Background(), 1))
	require.NoError(t, s.Close())

	require.NoError(t, RemoveDatabase(path))
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}

	// Removing again is a no-op.
	require.NoError(t, RemoveDatabase(path))
}

func TestParseDirectionAndKind(t *testing.T) {
	d, err := ParseDirection("incoming")
	require.NoError(t, err)
	assert.Equal(t, DirectionIncoming, d)
	d, err = ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, DirectionAny, d)
	_, err = ParseDirection("sideways")
	assert.Error(t, err)

	k, err := ParseTransactionKind("spl")
	require.NoError(t, err)
	assert.Equal(t, KindSPL, k)
	_, err = ParseTransactionKind("nft")
	assert.Error(t, err)
}

func TestFullTokenAccountUIBalance(t *testing.T) {
	fa := FullTokenAccount{
		TokenAccount: TokenAccount{MintAddress: mintA.Address, Balance: 1_500_000, Decimals: 6},
		MintAccount:  mintA,
	}
	assert.True(t, fa.UIBalance().Equal(decimal.RequireFromString("1.5")))
}
