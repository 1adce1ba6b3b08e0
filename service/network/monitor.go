// Package network reports whether the remote ledger is reachable.
package network

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor reports reachability and pushes changes to subscribers.
// Subscribers are called synchronously, in registration order, only when the
// reported value changes.
type Monitor interface {
	IsConnected() bool
	Subscribe(fn func(connected bool)) (cancel func())
}

// HealthChecker probes the remote ledger.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type subscribers struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	subs      map[int]func(bool)
	order     []int
}

func (s *subscribers) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *subscribers) subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// set stores the new value and notifies subscribers outside the lock when it changed.
func (s *subscribers) set(connected bool) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	fns := make([]func(bool), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// ManualMonitor is driven by the host application, which already knows
// whether the network is available.
type ManualMonitor struct {
	subs subscribers
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(connected bool) *ManualMonitor {
	m := &ManualMonitor{}
	m.subs.connected = connected
	return m
}

func (m *ManualMonitor) IsConnected() bool { return m.subs.isConnected() }

func (m *ManualMonitor) Subscribe(fn func(bool)) func() { return m.subs.subscribe(fn) }

// SetConnected updates reachability, notifying subscribers on change.
func (m *ManualMonitor) SetConnected(connected bool) { m.subs.set(connected) }

// ProbeMonitor periodically checks the node's health endpoint.
// It starts out connected so the first sync is not delayed by a probe.
type ProbeMonitor struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	subs     subscribers
}

// NewProbeMonitor creates a monitor that probes checker every interval.
func NewProbeMonitor(checker HealthChecker, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := interval
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	p := &ProbeMonitor{
		checker:  checker,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
	p.subs.connected = true
	return p
}

func (p *ProbeMonitor) IsConnected() bool { return p.subs.isConnected() }

func (p *ProbeMonitor) Subscribe(fn func(bool)) func() { return p.subs.subscribe(fn) }

// Probe runs one health check and updates the state.
func (p *ProbeMonitor) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.CheckHealth(ctx)
	connected := err == nil
	if connected != p.IsConnected() {
		if connected {
			p.logger.InfoContext(ctx, "ledger reachable again")
		} else {
			p.logger.WarnContext(ctx, "ledger unreachable", "error", err)
		}
	}
	p.subs.set(connected)
}

// Run probes immediately and then every interval until ctx is done.
func (p *ProbeMonitor) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
