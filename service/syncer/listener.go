package syncer

import (
	"sync"
	"time"

	"github.com/brojonat/solsync/service/db"
)

// Listener receives engine updates. Calls may arrive from any goroutine.
type Listener interface {
	OnUpdateLastBlockHeight(height uint64)
	OnUpdateBalanceSyncState(state SyncState)
	OnUpdateBalance(lamports uint64)
	OnUpdateTokenSyncState(state SyncState)
	OnUpdateTransactionSyncState(state SyncState)
}

// TokenAccountListener is implemented by listeners that want per-token balance changes.
type TokenAccountListener interface {
	OnUpdateTokenAccount(account db.FullTokenAccount)
}

// TransactionsListener is implemented by listeners that want new or changed transactions.
type TransactionsListener interface {
	OnUpdateTransactions(txs []db.FullTransaction)
}

// Listeners fans updates out to registered listeners. The zero value is ready to use.
type Listeners struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]Listener
	order  []int
}

// Add registers l and returns a func that removes it.
func (ls *Listeners) Add(l Listener) (remove func()) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.byID == nil {
		ls.byID = make(map[int]Listener)
	}
	id := ls.nextID
	ls.nextID++
	ls.byID[id] = l
	ls.order = append(ls.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			delete(ls.byID, id)
			for i, v := range ls.order {
				if v == id {
					ls.order = append(ls.order[:i], ls.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of registered listeners.
func (ls *Listeners) Len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.order)
}

func (ls *Listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, 0, len(ls.order))
	for _, id := range ls.order {
		out = append(out, ls.byID[id])
	}
	return out
}

func (ls *Listeners) OnUpdateLastBlockHeight(height uint64) {
	for _, l := range ls.snapshot() {
		l.OnUpdateLastBlockHeight(height)
	}
}

func (ls *Listeners) OnUpdateBalanceSyncState(state SyncState) {
	for _, l := range ls.snapshot() {
		l.OnUpdateBalanceSyncState(state)
	}
}

func (ls *Listeners) OnUpdateBalance(lamports uint64) {
	for _, l := range ls.snapshot() {
		l.OnUpdateBalance(lamports)
	}
}

func (ls *Listeners) OnUpdateTokenSyncState(state SyncState) {
	for _, l := range ls.snapshot() {
		l.OnUpdateTokenSyncState(state)
	}
}

func (ls *Listeners) OnUpdateTransactionSyncState(state SyncState) {
	for _, l := range ls.snapshot() {
		l.OnUpdateTransactionSyncState(state)
	}
}

func (ls *Listeners) OnUpdateTokenAccount(account db.FullTokenAccount) {
	for _, l := range ls.snapshot() {
		if tl, ok := l.(TokenAccountListener); ok {
			tl.OnUpdateTokenAccount(account)
		}
	}
}

func (ls *Listeners) OnUpdateTransactions(txs []db.FullTransaction) {
	for _, l := range ls.snapshot() {
		if tl, ok := l.(TransactionsListener); ok {
			tl.OnUpdateTransactions(txs)
		}
	}
}

// Event types, as published over SSE and NATS.
const (
	EventBlockHeight          = "block_height"
	EventBalance              = "balance"
	EventBalanceSyncState     = "balance_sync_state"
	EventTokenSyncState       = "token_sync_state"
	EventTransactionSyncState = "transaction_sync_state"
	EventTokenAccount         = "token_account"
	EventTransactions         = "transactions"
)

// Event is a single engine update in serializable form.
type Event struct {
	Type         string               `json:"type"`
	Time         time.Time            `json:"time"`
	BlockHeight  *uint64              `json:"block_height,omitempty"`
	Balance      *uint64              `json:"balance,omitempty"`
	State        *SyncState           `json:"state,omitempty"`
	TokenAccount *db.FullTokenAccount `json:"token_account,omitempty"`
	Transactions []db.FullTransaction `json:"transactions,omitempty"`
}

// EventFunc adapts a function to Listener, converting each update to an Event.
type EventFunc func(Event)

func (f EventFunc) emit(e Event) {
	e.Time = time.Now().UTC()
	f(e)
}

func (f EventFunc) OnUpdateLastBlockHeight(height uint64) {
	f.emit(Event{Type: EventBlockHeight, BlockHeight: &height})
}

func (f EventFunc) OnUpdateBalanceSyncState(state SyncState) {
	f.emit(Event{Type: EventBalanceSyncState, State: &state})
}

func (f EventFunc) OnUpdateBalance(lamports uint64) {
	f.emit(Event{Type: EventBalance, Balance: &lamports})
}

func (f EventFunc) OnUpdateTokenSyncState(state SyncState) {
	f.emit(Event{Type: EventTokenSyncState, State: &state})
}

func (f EventFunc) OnUpdateTransactionSyncState(state SyncState) {
	f.emit(Event{Type: EventTransactionSyncState, State: &state})
}

func (f EventFunc) OnUpdateTokenAccount(account db.FullTokenAccount) {
	f.emit(Event{Type: EventTokenAccount, TokenAccount: &account})
}

func (f EventFunc) OnUpdateTransactions(txs []db.FullTransaction) {
	f.emit(Event{Type: EventTransactions, Transactions: txs})
}
