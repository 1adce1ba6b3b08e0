package syncer

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/solana"
)

func newTxSyncer(t *testing.T, store db.Store, ledger *fakeLedger, rec Listener, sources ...TransactionSource) (*TransactionSyncer, *TransactionManager) {
	t.Helper()
	mgr := NewTransactionManager(testWallet, store, rec, nil)
	rc := NewPendingReconciler(ledger, store, mgr, nil, nil)
	return NewTransactionSyncer(sources, store, mgr, rc, rec, nil, nil), mgr
}

func TestTransactionSyncer_WatermarkAdvances(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{name: "rpc:test"}
	src.push(mkTx("A", 100), mkTx("B", 200))
	src.push(mkTx("C", 300), mkTx("D", 400))
	rec := &recorder{}
	s, _ := newTxSyncer(t, store, newFakeLedger(), rec, src)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "B", watermark(t, store, src.name))

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "D", watermark(t, store, src.name))

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "D", watermark(t, store, src.name))
	assert.True(t, s.State().IsSynced())

	assert.Equal(t, []string{"", "B", "D"}, src.afters)

	got := rec.snapshot()
	require.Len(t, got.txBatches, 2, "empty pass must not notify")
	assert.Len(t, got.txBatches[0], 2)
	assert.Len(t, got.txBatches[1], 2)

	done, err := s.IsInitialSynced(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestTransactionSyncer_RefusesWatermarkRegression(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{name: "rpc:test"}
	src.push(mkTx("new", 500))
	src.push(mkTx("old", 100))
	s, _ := newTxSyncer(t, store, newFakeLedger(), &recorder{}, src)

	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Sync(ctx))

	assert.Equal(t, "new", watermark(t, store, src.name))
	tx, err := store.GetTransaction(ctx, "old")
	require.NoError(t, err)
	assert.NotNil(t, tx, "older transaction is still cached")
}

func TestTransactionSyncer_AtMostOneInFlight(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{
		name:    "rpc:test",
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	src.push(mkTx("A", 100))
	rec := &recorder{}
	s, _ := newTxSyncer(t, store, newFakeLedger(), rec, src)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Sync(ctx))
	}()
	<-src.entered

	for range 5 {
		require.NoError(t, s.Sync(ctx))
	}
	assert.Equal(t, 1, src.calls())
	assert.True(t, s.State().IsSyncing())

	close(src.release)
	wg.Wait()

	assert.True(t, s.State().IsSynced())
	assert.Equal(t, "A", watermark(t, store, src.name))
	assert.Len(t, rec.snapshot().txBatches, 1)
}

func TestTransactionSyncer_IncompleteDetailsAreFetchedAgain(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{name: "rpc:test"}
	// B's details failed; the watermark may only reach A.
	src.push(mkTx("C", 300), mkIncomplete("B", 200), mkTx("A", 100))
	// B is fetched again. This time C fails, but its stored details survive.
	src.push(mkIncomplete("C", 300), mkTx("B", 200))
	src.push(mkTx("C", 300))
	s, _ := newTxSyncer(t, store, newFakeLedger(), &recorder{}, src)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "A", watermark(t, store, src.name))
	b, err := store.GetTransaction(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, b, "incomplete records are still cached")
	assert.Nil(t, b.Amount)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "B", watermark(t, store, src.name))
	b, err = store.GetTransaction(ctx, "B")
	require.NoError(t, err)
	require.NotNil(t, b.Amount)
	assert.True(t, decimal.RequireFromString("0.5").Equal(*b.Amount))
	c, err := store.GetTransaction(ctx, "C")
	require.NoError(t, err)
	require.NotNil(t, c.Amount, "a failed refetch must not erase stored details")

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "C", watermark(t, store, src.name))
	assert.Equal(t, []string{"", "A", "B"}, src.afters)
}

func TestTransactionSyncer_AllIncompleteHoldsWatermark(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{name: "rpc:test"}
	src.push(mkIncomplete("X", 100))
	s, _ := newTxSyncer(t, store, newFakeLedger(), &recorder{}, src)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, "", watermark(t, store, src.name))
}

func TestTransactionSyncer_MultipleSourcesReportProgress(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	a := &fakeSource{name: "a"}
	a.push(mkTx("a1", 100))
	b := &fakeSource{name: "b"}
	b.err = errRemote
	rec := &recorder{}
	s, _ := newTxSyncer(t, store, newFakeLedger(), rec, a, b)

	err := s.Sync(ctx)
	assert.ErrorIs(t, err, errRemote)

	states := rec.snapshot().txStates
	require.Len(t, states, 4)
	assert.True(t, states[0].Equal(Syncing(0)))
	assert.True(t, states[1].Equal(Syncing(0.5)))
	assert.True(t, states[2].Equal(Syncing(1)))
	assert.Equal(t, StateNotSynced, states[3].Kind())
	assert.Equal(t, KindRemote, KindOf(states[3].Err()))

	// The healthy source still made progress.
	assert.Equal(t, "a1", watermark(t, store, "a"))
	assert.Equal(t, "", watermark(t, store, "b"))

	done, err := s.IsInitialSynced(ctx)
	require.NoError(t, err)
	assert.False(t, done, "a failed pass is not an initial sync")
}

func TestTransactionSyncer_RegistersIncomingMints(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	src := &fakeSource{name: "rpc:test"}
	src.push(
		mkTokenTx("in", 200, mintUSDC, 6, true),
		mkTokenTx("out", 100, mintNFT, 0, false),
	)
	rec := &recorder{}
	s, mgr := newTxSyncer(t, store, newFakeLedger(), rec, src)

	refreshed := 0
	mgr.OnNewTokenAccount(func() { refreshed++ })

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 1, refreshed)

	accounts, err := store.ListTokenAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, mintUSDC, accounts[0].MintAddress)
	assert.Equal(t, 6, accounts[0].Decimals)
}

func TestTransactionSyncer_ReconcilesPendingInSameNotification(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	ledger := newFakeLedger()
	src := &fakeSource{name: "rpc:test"}
	src.push(mkTx("fresh", 300))
	rec := &recorder{}
	s, mgr := newTxSyncer(t, store, ledger, rec, src)

	require.NoError(t, mgr.RecordPending(ctx, mkTx("mine", 250)))
	ledger.confirmations["mine"] = &solana.Confirmation{Confirmed: true}

	require.NoError(t, s.Sync(ctx))

	got := rec.snapshot()
	require.Len(t, got.txBatches, 2)
	assert.Equal(t, "mine", got.txBatches[0][0].Transaction.Hash)
	assert.True(t, got.txBatches[0][0].Transaction.Pending)

	hashes := []string{}
	for _, tx := range got.txBatches[1] {
		hashes = append(hashes, tx.Transaction.Hash)
		assert.False(t, tx.Transaction.Pending)
	}
	assert.ElementsMatch(t, []string{"fresh", "mine"}, hashes)
}

func TestTransactionManager_TransactionsFilter(t *testing.T) {
	ctx := context.Background()
	store := db.NewTestSQLiteStore(t)
	mgr := NewTransactionManager(testWallet, store, &recorder{}, nil)
	require.NoError(t, store.UpsertTransactions(ctx, []db.FullTransaction{
		mkTx("t1", 100),
		mkTx("t2", 200),
		mkTokenTx("t3", 300, mintUSDC, 6, true),
	}))

	all, err := mgr.Transactions(ctx, db.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].Transaction.Hash)

	sol, err := mgr.Transactions(ctx, db.TransactionFilter{Kind: db.KindSOL, Direction: db.DirectionIncoming})
	require.NoError(t, err)
	require.Len(t, sol, 2)
	assert.Equal(t, "t2", sol[0].Transaction.Hash)

	page, err := mgr.Transactions(ctx, db.TransactionFilter{FromHash: "t3", Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t2", page[0].Transaction.Hash)
}

func TestTransactionManager_RecordPendingRequiresHash(t *testing.T) {
	mgr := NewTransactionManager(testWallet, db.NewTestSQLiteStore(t), &recorder{}, nil)
	assert.Error(t, mgr.RecordPending(context.Background(), db.FullTransaction{}))
}

func TestMergeByHash(t *testing.T) {
	a := mkTx("x", 1)
	b := mkTx("y", 2)
	x2 := mkTx("x", 1)
	x2.Transaction.Pending = true

	got := mergeByHash([]db.FullTransaction{a, b}, []db.FullTransaction{x2})
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Transaction.Hash)
	assert.True(t, got[0].Transaction.Pending)
	assert.Empty(t, mergeByHash(nil, nil))
}
