// Package server exposes the settlement core over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/server/handler"
	"github.com/coverpool/coverd/internal/server/middleware"
	"github.com/coverpool/coverd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per minute per client IP; 0 disables
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Ledger   *handler.LedgerHandler
	Claims   *handler.ClaimHandler
	Escrows  *handler.EscrowHandler
	Policies *handler.PolicyHandler
}

// Server is the HTTP + WebSocket API server for the settlement node.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Tranche ledger endpoints.
	mux.HandleFunc("POST /api/ledger/deposits", handlers.Ledger.Deposit)
	mux.HandleFunc("POST /api/ledger/withdrawals", handlers.Ledger.Withdraw)
	mux.HandleFunc("POST /api/ledger/pause", handlers.Ledger.Pause)
	mux.HandleFunc("POST /api/ledger/unpause", handlers.Ledger.Unpause)
	mux.HandleFunc("PUT /api/ledger/admin", handlers.Ledger.SetAdmin)
	mux.HandleFunc("PUT /api/ledger/processor", handlers.Ledger.SetClaimsProcessor)
	mux.HandleFunc("PUT /api/ledger/weights", handlers.Ledger.SetTrancheWeights)
	mux.HandleFunc("GET /api/ledger/breaker", handlers.Ledger.GetBreakerStatus)
	mux.HandleFunc("GET /api/ledger/summary", handlers.Ledger.GetSummary)
	mux.HandleFunc("GET /api/tranches", handlers.Ledger.ListTranches)
	mux.HandleFunc("GET /api/tranches/{id}", handlers.Ledger.GetTranche)
	mux.HandleFunc("GET /api/accounts/{address}/balances", handlers.Ledger.GetBalances)

	// Claim endpoints.
	mux.HandleFunc("POST /api/claims", handlers.Claims.FileClaim)
	mux.HandleFunc("GET /api/claims", handlers.Claims.ListClaims)
	mux.HandleFunc("GET /api/claims/{id}", handlers.Claims.GetClaim)
	mux.HandleFunc("POST /api/claims/{id}/approve", handlers.Claims.ApproveClaim)
	mux.HandleFunc("POST /api/claims/{id}/reject", handlers.Claims.RejectClaim)
	mux.HandleFunc("POST /api/events", handlers.Claims.AddVerifiedEvent)

	// Escrow endpoints.
	mux.HandleFunc("POST /api/escrows", handlers.Escrows.CreateEscrow)
	mux.HandleFunc("GET /api/escrows/{id}", handlers.Escrows.GetEscrow)
	mux.HandleFunc("POST /api/escrows/{id}/release", handlers.Escrows.Release)
	mux.HandleFunc("POST /api/escrows/{id}/cancel", handlers.Escrows.Cancel)
	mux.HandleFunc("POST /api/escrows/{id}/timeout", handlers.Escrows.HandleTimeout)
	mux.HandleFunc("POST /api/escrows/{id}/freeze", handlers.Escrows.Freeze)
	mux.HandleFunc("POST /api/escrows/{id}/emergency-withdraw", handlers.Escrows.EmergencyWithdraw)
	mux.HandleFunc("PUT /api/escrows/{id}/authority", handlers.Escrows.UpdateAuthority)

	// Policy endpoints.
	mux.HandleFunc("POST /api/policies", handlers.Policies.SellPolicy)
	mux.HandleFunc("GET /api/policies/{id}", handlers.Policies.GetPolicy)
	mux.HandleFunc("GET /api/accounts/{address}/policies", handlers.Policies.ListUserPolicies)
	mux.HandleFunc("GET /api/shards", handlers.Policies.ListShards)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-IP rate limiting when a limiter is available.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Caller")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
