// Package api provides the admin HTTP server.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transfer-indexer/internal/job"
	"github.com/transfer-indexer/internal/models"
)

// Service interfaces for dependency injection and testing

// WalletService adds and removes tracked wallets.
// service.WalletOnboarding implements it.
type WalletService interface {
	ProcessAddWalletRequest(ctx context.Context, accountID, address string) (int, error)
	RemoveWallet(ctx context.Context, accountID, address string) error
}

// BackfillScheduler queues backfill ranges. eventsync.Scheduler implements it.
type BackfillScheduler interface {
	Schedule(ctx context.Context, p job.BackfillPayload) (int, error)
}

// BalanceReader reads ledger balances. storage.BalanceRepository implements it.
type BalanceReader interface {
	GetBalances(ctx context.Context, chainID int64, owner string) ([]*models.Balance, error)
}

// JobLister lists stored jobs. storage.JobRepository implements it.
type JobLister interface {
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.JobRecord, error)
}

// AssetRegistry edits the token allow-list.
// storage.ValidAssetRepository implements it.
type AssetRegistry interface {
	Set(ctx context.Context, chainID int64, contract string) error
	Invalidate(ctx context.Context, chainID int64, contract string) error
}

// Pinger is a dependency checked by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes
type Deps struct {
	Wallets  WalletService
	Backfill BackfillScheduler
	Balances BalanceReader
	Jobs     JobLister
	Assets   AssetRegistry
	Health   map[string]Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateRPS         int // per client IP
	RateBurst       int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
	}
	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	limiter := NewRateLimiter(s.config.RateRPS, s.config.RateBurst)

	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(limiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/wallets", s.handleAddWallet).Methods(http.MethodPost)
	s.router.HandleFunc("/wallets/{accountId}/{address}", s.handleRemoveWallet).Methods(http.MethodDelete)

	s.router.HandleFunc("/backfill", s.handleBackfill).Methods(http.MethodPost)
	s.router.HandleFunc("/balances/{chainId:[0-9]+}/{owner}", s.handleGetBalances).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/dead", s.handleDeadJobs).Methods(http.MethodGet)

	s.router.HandleFunc("/assets/{chainId:[0-9]+}/{contract}", s.handleAddAsset).Methods(http.MethodPost)
	s.router.HandleFunc("/assets/{chainId:[0-9]+}/{contract}", s.handleRemoveAsset).Methods(http.MethodDelete)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("[API] Starting admin server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("[API] Shutting down admin server...")
	return s.httpServer.Shutdown(ctx)
}
