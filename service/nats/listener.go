package nats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solsync/service/syncer"
)

const (
	listenerBuffer = 256
	publishTimeout = 5 * time.Second
)

// Listener forwards engine events to a Publisher from a background goroutine,
// so a slow or unreachable NATS server never blocks the engine. Events that do
// not fit in the buffer are dropped and logged.
type Listener struct {
	pub    Publisher
	wallet string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	events chan syncer.Event
	done   chan struct{}
}

// NewListener starts forwarding. Call Close to flush and stop.
func NewListener(pub Publisher, wallet string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Listener{
		pub:    pub,
		wallet: wallet,
		logger: logger.With("component", "nats_listener"),
		events: make(chan syncer.Event, listenerBuffer),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Listener returns the syncer.Listener to register with the engine.
func (l *Listener) Listener() syncer.Listener {
	return syncer.EventFunc(l.enqueue)
}

func (l *Listener) enqueue(e syncer.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- e:
	default:
		l.logger.Warn("dropping sync event, publisher is behind", "type", e.Type)
	}
}

func (l *Listener) run() {
	defer close(l.done)
	for e := range l.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := l.pub.PublishEvent(ctx, NewSyncEvent(l.wallet, e)); err != nil {
			l.logger.Error("failed to publish sync event", "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()
	<-l.done
}
