// Package server exposes a wallet's sync engine over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/kit"
	"github.com/brojonat/solsync/service/metrics"
	"github.com/brojonat/solsync/service/syncer"
)

// Engine is the part of the sync engine the server needs. *kit.Kit implements it.
type Engine interface {
	Address() string
	StatusInfo(ctx context.Context) (kit.StatusInfo, error)
	Balance(ctx context.Context) (uint64, error)
	Transactions(ctx context.Context, filter db.TransactionFilter) ([]db.FullTransaction, error)
	RecordPendingTransaction(ctx context.Context, tx db.FullTransaction) error
	TokenAccount(ctx context.Context, mint string) (*db.FullTokenAccount, error)
	FungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error)
	NonFungibleTokenAccounts(ctx context.Context) ([]db.FullTokenAccount, error)
	AddTokenAccount(ctx context.Context, mint string, decimals int) (bool, error)
	Refresh()
	AddListener(l syncer.Listener) (remove func())
}

// Server represents the HTTP server for one wallet.
type Server struct {
	addr    string
	engine  Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server

	// closing is closed by Shutdown so open event streams return.
	closing chan struct{}
}

// New creates a new HTTP server. m is optional; when nil, /metrics is not served.
func New(addr string, engine Engine, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:    addr,
		engine:  engine,
		metrics: m,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/status", "/api/v1/status", handleStatus(s.engine, s.logger))
	route("GET /api/v1/balance", "/api/v1/balance", handleGetBalance(s.engine, s.logger))
	route("GET /api/v1/transactions", "/api/v1/transactions", handleListTransactions(s.engine, s.logger))
	route("POST /api/v1/transactions/pending", "/api/v1/transactions/pending", handleRecordPendingTransaction(s.engine, s.logger))
	route("GET /api/v1/tokens", "/api/v1/tokens", handleListTokens(s.engine, s.logger))
	route("GET /api/v1/tokens/{mint}", "/api/v1/tokens/{mint}", handleGetToken(s.engine, s.logger))
	route("POST /api/v1/tokens", "/api/v1/tokens", handleAddToken(s.engine, s.logger))
	route("POST /api/v1/refresh", "/api/v1/refresh", handleRefresh(s.engine, s.logger))
	route("GET /api/v1/stream", "/api/v1/stream", handleStream(s.engine, s.closing, sseKeepalive, s.metrics, s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second, // lifted per-request by the event stream
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	select {
	case <-s.closing:
	default:
		close(s.closing)
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
