package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/brojonat/solsync/service/metrics"
)

// StateKind enumerates the sync states of a domain.
type StateKind int

const (
	StateNotSynced StateKind = iota
	StateSyncing
	StateSynced
)

func (k StateKind) String() string {
	switch k {
	case StateSynced:
		return "synced"
	case StateSyncing:
		return "syncing"
	default:
		return "not_synced"
	}
}

// SyncState is the state of one domain syncer.
//
// Equality is deliberately coarse: two Syncing states are equal only when
// their progress is equal, while any two NotSynced states are equal
// regardless of their error. Listeners are notified only on inequality.
type SyncState struct {
	kind     StateKind
	progress float64
	err      error
}

func Synced() SyncState { return SyncState{kind: StateSynced} }

// Syncing reports progress in [0, 1].
func Syncing(progress float64) SyncState {
	return SyncState{kind: StateSyncing, progress: min(max(progress, 0), 1)}
}

// NotSynced carries the reason; a nil err means ErrNotStarted.
func NotSynced(err error) SyncState {
	if err == nil {
		err = ErrNotStarted
	}
	return SyncState{kind: StateNotSynced, err: err}
}

func (s SyncState) Kind() StateKind   { return s.kind }
func (s SyncState) Progress() float64 { return s.progress }

// Err returns the failure of a NotSynced state.
func (s SyncState) Err() error {
	if s.kind == StateNotSynced && s.err == nil {
		return ErrNotStarted
	}
	return s.err
}

func (s SyncState) IsSynced() bool  { return s.kind == StateSynced }
func (s SyncState) IsSyncing() bool { return s.kind == StateSyncing }

func (s SyncState) Equal(o SyncState) bool {
	if s.kind != o.kind {
		return false
	}
	if s.kind == StateSyncing {
		return s.progress == o.progress
	}
	return true
}

func (s SyncState) String() string {
	switch s.kind {
	case StateSyncing:
		return fmt.Sprintf("syncing(%.2f)", s.progress)
	case StateNotSynced:
		return fmt.Sprintf("not_synced(%v)", s.Err())
	default:
		return s.kind.String()
	}
}

type syncStateJSON struct {
	State     string   `json:"state"`
	Progress  *float64 `json:"progress,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

func (s SyncState) MarshalJSON() ([]byte, error) {
	out := syncStateJSON{State: s.kind.String()}
	switch s.kind {
	case StateSyncing:
		p := s.progress
		out.Progress = &p
	case StateNotSynced:
		err := s.Err()
		out.Error = err.Error()
		out.ErrorKind = KindOf(err).String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a state written by MarshalJSON. Errors come back as
// SyncErrors of the recorded kind; the original cause is kept as text only.
func (s *SyncState) UnmarshalJSON(b []byte) error {
	var in syncStateJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch in.State {
	case "synced":
		*s = Synced()
	case "syncing":
		var p float64
		if in.Progress != nil {
			p = *in.Progress
		}
		*s = Syncing(p)
	case "not_synced":
		var err error
		switch in.ErrorKind {
		case KindNotStarted.String():
			err = ErrNotStarted
		case KindNoNetworkConnection.String():
			err = ErrNoNetworkConnection
		default:
			err = RemoteError(fmt.Errorf("%s", in.Error))
		}
		*s = NotSynced(err)
	default:
		return fmt.Errorf("unknown sync state %q", in.State)
	}
	return nil
}

// stateHolder owns a domain's state and serializes transitions.
//
// Each sync pass takes a generation from begin; results are applied only while
// that generation is still current, so a pass overtaken by stop (or by a
// cancelled context) can never publish.
type stateHolder struct {
	domain  string
	metrics *metrics.Metrics
	notify  func(SyncState)

	mu    sync.Mutex
	state SyncState
	prev  SyncState
	gen   uint64

	// notifyMu keeps notifications in transition order without holding mu
	// during callbacks.
	notifyMu sync.Mutex
}

func newStateHolder(domain string, m *metrics.Metrics, notify func(SyncState)) *stateHolder {
	return &stateHolder{
		domain:  domain,
		metrics: m,
		notify:  notify,
		state:   NotSynced(ErrNotStarted),
	}
}

func (h *stateHolder) current() SyncState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// setLocked must be called with mu held. It releases mu.
func (h *stateHolder) setLocked(s SyncState) {
	if h.state.Equal(s) {
		h.state = s
		h.mu.Unlock()
		return
	}
	h.state = s
	h.notifyMu.Lock()
	h.mu.Unlock()
	defer h.notifyMu.Unlock()

	h.metrics.RecordSyncState(h.domain, s.Kind().String())
	if h.notify != nil {
		h.notify(s)
	}
}

// begin enters Syncing(0). It refuses, returning false, while a pass is in flight.
func (h *stateHolder) begin() (uint64, bool) {
	h.mu.Lock()
	if h.state.IsSyncing() {
		h.mu.Unlock()
		return 0, false
	}
	h.gen++
	gen := h.gen
	h.prev = h.state
	h.setLocked(Syncing(0))
	return gen, true
}

// isCurrent reports whether gen may still write and publish.
func (h *stateHolder) isCurrent(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gen == gen
}

// commit runs write while pass gen is current and ctx is live. It reports
// whether write ran. force waits for mu, so a Stop cannot land between the
// check and the write.
func (h *stateHolder) commit(ctx context.Context, gen uint64, write func() error) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen || ctx.Err() != nil {
		return false, nil
	}
	return true, write()
}

func (h *stateHolder) progress(gen uint64, p float64) {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.setLocked(Syncing(p))
}

// finish applies the outcome of pass gen. It reports false when the pass was overtaken.
func (h *stateHolder) finish(gen uint64, s SyncState) bool {
	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return false
	}
	h.setLocked(s)
	return true
}

// abandon silently restores the state seen before pass gen began. Used when
// the pass's context is cancelled: nothing may be published after cancellation.
func (h *stateHolder) abandon(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return
	}
	h.gen++
	h.state = h.prev
}

// force overrides the state and invalidates any in-flight pass.
func (h *stateHolder) force(s SyncState) {
	h.mu.Lock()
	h.gen++
	h.setLocked(s)
}
