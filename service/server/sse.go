package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/solsync/service/metrics"
	"github.com/brojonat/solsync/service/syncer"
)

const (
	sseKeepalive = 10 * time.Second
	sseBuffer    = 64
)

// handleStream streams engine events as Server-Sent Events. Each event is
// written as "event: <type>" with the JSON-encoded syncer.Event as data.
// Events are dropped for clients that fall behind.
// GET /api/v1/stream
func handleStream(engine Engine, closing <-chan struct{}, keepaliveEvery time.Duration, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		// Streams outlive the server's write timeout.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil {
			logger.DebugContext(r.Context(), "could not clear write deadline", "error", err)
		}

		events := make(chan syncer.Event, sseBuffer)
		remove := engine.AddListener(syncer.EventFunc(func(e syncer.Event) {
			select {
			case events <- e:
			default:
				logger.WarnContext(r.Context(), "dropping event for slow SSE client",
					"type", e.Type,
					"remote_addr", r.RemoteAddr,
				)
			}
		}))
		defer remove()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		logger.DebugContext(r.Context(), "SSE client connected", "remote_addr", r.RemoteAddr)

		fmt.Fprintf(w, "event: connected\ndata: {\"wallet\":%q}\n\n", engine.Address())
		rc.Flush()

		keepalive := time.NewTicker(keepaliveEvery)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				if err := rc.Flush(); err != nil {
					return
				}

			case e := <-events:
				data, err := json.Marshal(e)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "type", e.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
				if err := rc.Flush(); err != nil {
					return
				}
				m.RecordSSEEventSent(e.Type)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return

			case <-closing:
				return
			}
		}
	})
}
