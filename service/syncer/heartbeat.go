package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
	"github.com/brojonat/solsync/service/network"
)

// HeartbeatState is Ready or NotReady(err).
// NotReady states compare equal when their error kinds match.
type HeartbeatState struct {
	ready bool
	err   error
}

func Ready() HeartbeatState { return HeartbeatState{ready: true} }

func NotReady(err error) HeartbeatState {
	if err == nil {
		err = ErrNotStarted
	}
	return HeartbeatState{err: err}
}

func (s HeartbeatState) IsReady() bool { return s.ready }
func (s HeartbeatState) Err() error    { return s.err }

func (s HeartbeatState) Equal(o HeartbeatState) bool {
	if s.ready != o.ready {
		return false
	}
	return s.ready || KindOf(s.err) == KindOf(o.err)
}

func (s HeartbeatState) String() string {
	if s.ready {
		return "ready"
	}
	return "not_ready(" + s.err.Error() + ")"
}

// BlockHeightFetcher reads the current block height from the ledger.
type BlockHeightFetcher interface {
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// HeartbeatHandler receives heartbeat output. Both methods are called outside
// the heartbeat's lock, in the order the underlying updates were applied.
type HeartbeatHandler interface {
	OnHeartbeatState(state HeartbeatState)
	OnBlockHeight(height uint64)
}

// Heartbeat polls the block height on a fixed interval while the network is
// reachable. Every tick runs in its own goroutine; the first fires immediately.
// Results from a tick older than the last applied one are discarded.
type Heartbeat struct {
	client   BlockHeightFetcher
	store    db.Store
	monitor  network.Monitor
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	notifyMu    sync.Mutex
	state       HeartbeatState
	handler     HeartbeatHandler
	parent      context.Context
	running     bool
	stopTicker  context.CancelFunc
	unsubscribe func()
	issued      uint64
	applied     uint64
}

// NewHeartbeat creates a stopped heartbeat.
func NewHeartbeat(client BlockHeightFetcher, store db.Store, monitor network.Monitor, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Heartbeat {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Heartbeat{
		client:   client,
		store:    store,
		monitor:  monitor,
		interval: interval,
		logger:   logger.With("component", "heartbeat"),
		metrics:  m,
		state:    NotReady(ErrNotStarted),
	}
}

// State returns the current readiness.
func (h *Heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start subscribes to connectivity and, if connected, publishes Ready and
// begins ticking.
// It is a no-op while already running.
func (h *Heartbeat) Start(ctx context.Context, handler HeartbeatHandler) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.parent = ctx
	h.handler = handler
	h.mu.Unlock()

	unsubscribe := h.monitor.Subscribe(h.onConnectivity)
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()

	h.onConnectivity(h.monitor.IsConnected())
}

// Stop cancels ticking and moves to NotReady(ErrNotStarted).
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	if h.stopTicker != nil {
		h.stopTicker()
		h.stopTicker = nil
	}
	h.setLocked(NotReady(ErrNotStarted), nil)
}

func (h *Heartbeat) onConnectivity(connected bool) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	if connected {
		if h.stopTicker != nil {
			h.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(h.parent)
		h.stopTicker = cancel
		go h.loop(ctx)
		// Ticks need mu, so Ready is published before any tick result.
		h.setLocked(Ready(), nil)
		return
	}

	h.logger.Info("network unavailable, pausing heartbeat")
	if h.stopTicker != nil {
		h.stopTicker()
		h.stopTicker = nil
	}
	h.setLocked(NotReady(ErrNoNetworkConnection), nil)
}

func (h *Heartbeat) loop(ctx context.Context) {
	h.spawnTick(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.spawnTick(ctx)
		}
	}
}

func (h *Heartbeat) spawnTick(ctx context.Context) {
	h.mu.Lock()
	h.issued++
	attempt := h.issued
	h.mu.Unlock()

	go h.tick(ctx, attempt)
}

func (h *Heartbeat) tick(ctx context.Context, attempt uint64) {
	height, err := h.client.GetBlockHeight(ctx)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	// Disconnect and Stop cancel ctx under mu, so this check cannot race them.
	if ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	if !h.running || attempt < h.applied {
		h.mu.Unlock()
		h.metrics.RecordHeartbeatTick("stale")
		return
	}
	h.applied = attempt

	if err != nil {
		h.logger.WarnContext(ctx, "failed to fetch block height", "error", err)
		h.metrics.RecordHeartbeatTick("error")
		h.setLocked(NotReady(RemoteError(err)), nil)
		return
	}

	if err := h.store.SaveLastBlockHeight(ctx, height); err != nil {
		h.mu.Unlock()
		h.logger.ErrorContext(ctx, "failed to save block height", "height", height, "error", err)
		h.metrics.RecordHeartbeatTick("error")
		return
	}
	h.metrics.RecordHeartbeatTick("success")
	h.metrics.SetLastBlockHeight(height)
	h.setLocked(Ready(), &height)
}

// setLocked must be called with mu held; it releases mu before notifying.
// A non-nil height is delivered after any state change.
func (h *Heartbeat) setLocked(s HeartbeatState, height *uint64) {
	changed := !h.state.Equal(s)
	h.state = s
	handler := h.handler
	if !changed && height == nil {
		h.mu.Unlock()
		return
	}

	h.notifyMu.Lock()
	h.mu.Unlock()
	defer h.notifyMu.Unlock()

	if changed {
		h.logger.Info("heartbeat state changed", "state", s.String())
	}
	if handler == nil {
		return
	}
	if changed {
		handler.OnHeartbeatState(s)
	}
	if height != nil {
		handler.OnBlockHeight(*height)
	}
}
