package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/network"
)

type engine struct {
	manager      *Manager
	balance      *BalanceSyncer
	tokens       *TokenSyncer
	transactions *TransactionSyncer
	monitor      *network.ManualMonitor
	store        db.Store
}

func newEngine(t *testing.T, ledger *fakeLedger, rec *recorder, interval time.Duration, sources ...TransactionSource) *engine {
	t.Helper()
	store := db.NewTestSQLiteStore(t)
	var hub Listeners
	hub.Add(rec)

	mon := network.NewManualMonitor(true)
	hb := NewHeartbeat(ledger, store, mon, interval, nil, nil)
	bal := NewBalanceSyncer(testWallet, ledger, store, &hub, nil, nil)
	tok := NewTokenSyncer(testWallet, ledger, store, &hub, nil, nil)
	mgr := NewTransactionManager(testWallet, store, &hub, nil)
	rc := NewPendingReconciler(ledger, store, mgr, nil, nil)
	txs := NewTransactionSyncer(sources, store, mgr, rc, &hub, nil, nil)
	m := NewManager(hb, bal, tok, txs, &hub, nil)
	mgr.OnNewTokenAccount(m.RefreshTokens)

	t.Cleanup(func() {
		m.Stop()
		m.Wait()
	})
	return &engine{manager: m, balance: bal, tokens: tok, transactions: txs, monitor: mon, store: store}
}

func TestManager_EndToEnd(t *testing.T) {
	ledger := newFakeLedger()
	ledger.height = 1000
	ledger.balance = 5_000_000_000
	src := &fakeSource{name: "rpc:test"}
	src.push(mkTx("A", 100), mkTokenTx("B", 200, mintUSDC, 6, true))
	ledger.tokenBalances[mintUSDC] = 10_000_000
	rec := &recorder{}
	// A short interval keeps syncs coming, so the token sync triggered by the
	// incoming USDC transfer cannot be lost to an in-flight pass.
	e := newEngine(t, ledger, rec, 20*time.Millisecond, src)

	e.manager.Start(context.Background())

	eventually(t, func() bool {
		return e.balance.State().IsSynced() &&
			e.tokens.State().IsSynced() &&
			e.transactions.State().IsSynced()
	})
	eventually(t, func() bool {
		got := rec.snapshot()
		return len(got.heights) > 0 && len(got.balances) > 0 && len(got.tokenAccounts) > 0
	})

	got := rec.snapshot()
	assert.Equal(t, uint64(1000), got.heights[0])
	assert.Equal(t, []uint64{5_000_000_000}, got.balances)
	assert.Equal(t, mintUSDC, got.tokenAccounts[0].TokenAccount.MintAddress)
	assert.Equal(t, "B", watermark(t, e.store, src.name))

	balance, err := e.balance.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), balance)

	e.manager.Stop()
	e.manager.Wait()
	for _, s := range []SyncState{e.balance.State(), e.tokens.State(), e.transactions.State()} {
		assert.Equal(t, StateNotSynced, s.Kind())
		assert.ErrorIs(t, s.Err(), ErrNotStarted)
	}
}

func TestManager_RefreshBeforeStartIsNoop(t *testing.T) {
	ledger := newFakeLedger()
	e := newEngine(t, ledger, &recorder{}, time.Hour)

	e.manager.Refresh()
	e.manager.RefreshTokens()
	e.manager.Wait()

	assert.Equal(t, int32(0), ledger.balanceCalls.Load())
	assert.Equal(t, int32(0), ledger.heightCalls.Load())
	assert.False(t, e.manager.IsStarted())
}

func TestManager_RefreshSyncsAgain(t *testing.T) {
	ledger := newFakeLedger()
	ledger.height = 1
	ledger.balance = 1
	rec := &recorder{}
	e := newEngine(t, ledger, rec, 20*time.Millisecond)

	e.manager.Start(context.Background())
	eventually(t, func() bool { return e.balance.State().IsSynced() })

	ledger.set(func(f *fakeLedger) { f.balance = 2 })
	e.manager.Refresh()
	eventually(t, func() bool {
		b := rec.snapshot().balances
		return len(b) > 0 && b[len(b)-1] == 2
	})
}

func TestManager_DisconnectStopsDomains(t *testing.T) {
	ledger := newFakeLedger()
	ledger.height = 5
	ledger.balance = 5
	rec := &recorder{}
	e := newEngine(t, ledger, rec, time.Hour)

	e.manager.Start(context.Background())
	eventually(t, func() bool { return e.balance.State().IsSynced() && e.transactions.State().IsSynced() })

	e.monitor.SetConnected(false)
	for _, s := range []SyncState{e.balance.State(), e.tokens.State(), e.transactions.State()} {
		assert.Equal(t, StateNotSynced, s.Kind())
		assert.ErrorIs(t, s.Err(), ErrNoNetworkConnection)
	}

	e.monitor.SetConnected(true)
	eventually(t, func() bool {
		return e.balance.State().IsSynced() &&
			e.tokens.State().IsSynced() &&
			e.transactions.State().IsSynced()
	})
}

func TestManager_StartTwiceIsNoop(t *testing.T) {
	ledger := newFakeLedger()
	ledger.height = 3
	e := newEngine(t, ledger, &recorder{}, time.Hour)

	e.manager.Start(context.Background())
	e.manager.Start(context.Background())
	assert.True(t, e.manager.IsStarted())
	eventually(t, func() bool { return ledger.heightCalls.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), ledger.heightCalls.Load())
}

func TestListeners_AddRemove(t *testing.T) {
	var hub Listeners
	a, b := &recorder{}, &recorder{}
	removeA := hub.Add(a)
	hub.Add(b)
	assert.Equal(t, 2, hub.Len())

	hub.OnUpdateBalance(1)
	removeA()
	removeA()
	hub.OnUpdateBalance(2)
	hub.OnUpdateTransactions([]db.FullTransaction{mkTx("x", 1)})

	assert.Equal(t, []uint64{1}, a.snapshot().balances)
	assert.Equal(t, []uint64{1, 2}, b.snapshot().balances)
	assert.Len(t, b.snapshot().txBatches, 1)
	assert.Equal(t, 1, hub.Len())
}

func TestEventFunc(t *testing.T) {
	var events []Event
	var l Listener = EventFunc(func(e Event) { events = append(events, e) })

	l.OnUpdateLastBlockHeight(10)
	l.OnUpdateTokenSyncState(Synced())
	l.(TransactionsListener).OnUpdateTransactions([]db.FullTransaction{mkTx("x", 1)})

	require.Len(t, events, 3)
	assert.Equal(t, EventBlockHeight, events[0].Type)
	assert.Equal(t, uint64(10), *events[0].BlockHeight)
	assert.Equal(t, EventTokenSyncState, events[1].Type)
	assert.True(t, events[1].State.IsSynced())
	assert.Equal(t, EventTransactions, events[2].Type)
	assert.False(t, events[2].Time.IsZero())
}
