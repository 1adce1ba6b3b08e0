// Package syncer keeps a local cache of one wallet's ledger state in step with
// the remote node.
//
// A Heartbeat polls the block height while the network is reachable. Every
// height update triggers a sync of the balance, token and transaction domains;
// each domain runs at most one sync at a time and publishes its own SyncState.
package syncer

import (
	"context"
	"log/slog"
	"sync"
)

// Domain is one independently synced slice of wallet state.
type Domain interface {
	Sync(ctx context.Context) error
	Stop(err error)
	State() SyncState
}

// Manager wires the heartbeat to the domain syncers and owns their lifetime.
type Manager struct {
	heartbeat    *Heartbeat
	balance      Domain
	tokens       Domain
	transactions Domain
	listener     Listener
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	// syncCtx scopes domain syncs to one readiness period of the heartbeat.
	ctx        context.Context
	syncCtx    context.Context
	syncCancel context.CancelFunc
}

// NewManager creates a stopped manager. listener receives block height
// updates; domain updates flow through each domain's own listener.
func NewManager(heartbeat *Heartbeat, balance, tokens, transactions Domain, listener Listener, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		heartbeat:    heartbeat,
		balance:      balance,
		tokens:       tokens,
		transactions: transactions,
		listener:     listener,
		logger:       logger.With("component", "sync_manager"),
	}
}

func (m *Manager) domains() []Domain {
	return []Domain{m.balance, m.tokens, m.transactions}
}

// Start begins the heartbeat and syncs every domain once.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.syncCtx, m.syncCancel = context.WithCancel(m.ctx)
	m.started = true
	runCtx := m.ctx
	m.mu.Unlock()

	m.logger.Info("starting sync")
	m.heartbeat.Start(runCtx, m)
	m.launch(m.domains()...)
}

// Stop cancels in-flight syncs, stops the heartbeat and moves every domain to
// NotSynced(ErrNotStarted).
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.heartbeat.Stop()
	for _, d := range m.domains() {
		d.Stop(ErrNotStarted)
	}
	m.logger.Info("sync stopped")
}

// Wait blocks until every sync launched before Stop has returned. Call it
// after Stop.
func (m *Manager) Wait() { m.wg.Wait() }

// IsStarted reports whether Start has been called without a matching Stop.
func (m *Manager) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Refresh syncs every domain now. It does nothing unless started.
func (m *Manager) Refresh() { m.launch(m.domains()...) }

// RefreshTokens syncs only the token domain. It does nothing unless started.
func (m *Manager) RefreshTokens() { m.launch(m.tokens) }

// launch runs each domain's Sync in its own goroutine under the run context.
func (m *Manager) launch(domains ...Domain) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	ctx := m.syncCtx
	m.wg.Add(len(domains))
	m.mu.Unlock()

	for _, d := range domains {
		go func() {
			defer m.wg.Done()
			if err := d.Sync(ctx); err != nil && ctx.Err() == nil {
				m.logger.Debug("domain sync failed", "error", err)
			}
		}()
	}
}

// OnHeartbeatState resumes syncing when the heartbeat becomes ready. Otherwise
// it abandons in-flight syncs and stops every domain with the heartbeat's
// error; refreshes are ignored until the heartbeat is ready again.
func (m *Manager) OnHeartbeatState(state HeartbeatState) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	if state.IsReady() {
		if m.syncCtx.Err() != nil {
			m.syncCtx, m.syncCancel = context.WithCancel(m.ctx)
		}
		m.mu.Unlock()
		m.launch(m.domains()...)
		return
	}
	m.syncCancel()
	m.mu.Unlock()

	for _, d := range m.domains() {
		d.Stop(state.Err())
	}
}

// OnBlockHeight forwards the height and syncs every domain.
func (m *Manager) OnBlockHeight(height uint64) {
	if !m.IsStarted() {
		return
	}
	m.listener.OnUpdateLastBlockHeight(height)
	m.launch(m.domains()...)
}
