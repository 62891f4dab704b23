// Package api exposes the broker integration over HTTP and WebSocket.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"neo-trader/internal/broker"
	"neo-trader/internal/config"
	"neo-trader/internal/logging"
	"neo-trader/internal/models"
	"neo-trader/internal/resilience"
	"neo-trader/internal/session"
	"neo-trader/internal/stream"
)

// SessionManager runs the two-step login and reports session state.
type SessionManager interface {
	BeginLogin(ctx context.Context, totp string) (session.Stage1, error)
	CompleteLogin(ctx context.Context, mpin string) (session.Stage2, error)
	Clear(ctx context.Context) error
	Status() session.Status
}

// Catalog is the instrument reference data.
type Catalog interface {
	Reload(ctx context.Context) (int, error)
	Get(symbol string) (models.Instrument, bool)
	Search(query string, limit int) []models.Instrument
	Count() int
	LoadedAt() time.Time
}

// OrderService runs the order lifecycle.
type OrderService interface {
	Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	Modify(ctx context.Context, req models.ModifyRequest) (json.RawMessage, error)
	Cancel(ctx context.Context, orderID string) (json.RawMessage, error)
	ListOrders(ctx context.Context, days int) ([]models.BookEntry, error)
	TradeBook(ctx context.Context) (json.RawMessage, error)
	DefaultHistory() int
}

// Deps wires the server to the rest of the process. Hub, Normalizer,
// Feed and Breaker are optional and only feed /health.
type Deps struct {
	Sessions    SessionManager
	Catalog     Catalog
	Orders      OrderService
	Portfolio   broker.PortfolioGateway
	MarketData  http.Handler
	Credentials config.Credentials

	Hub        interface{ Metrics() stream.HubMetrics }
	Normalizer interface{ Stats() stream.NormalizerStats }
	Feed       interface{ State() broker.FeedState }
	Breaker    interface {
		BreakerStats() resilience.CircuitBreakerStats
	}
}

// Server is the HTTP API server.
type Server struct {
	router *mux.Router
	server *http.Server
	cfg    config.ServerConfig
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server and registers its routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		deps:   deps,
		logger: logging.WithComponent(logger, "api"),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.CORSMiddleware)
	s.router.Use(s.loggingMiddleware)

	auth := s.router.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/totp-login", s.handleTOTPLogin).Methods("POST", "OPTIONS")
	auth.HandleFunc("/validate-mpin", s.handleValidateMPIN).Methods("POST", "OPTIONS")
	auth.HandleFunc("/logout", s.handleLogout).Methods("POST", "OPTIONS")
	auth.HandleFunc("/status", s.handleAuthStatus).Methods("GET", "OPTIONS")
	auth.HandleFunc("/reload-scrip-master", s.handleReloadScripMaster).Methods("POST", "OPTIONS")

	scrips := s.router.PathPrefix("/scripmaster").Subrouter()
	scrips.HandleFunc("/search", s.handleSearchScrips).Methods("GET", "OPTIONS")
	scrips.HandleFunc("/scrip/{symbol}", s.handleGetScrip).Methods("GET", "OPTIONS")

	orders := s.router.PathPrefix("/orders").Subrouter()
	orders.HandleFunc("/place", s.handlePlaceOrder).Methods("POST", "OPTIONS")
	orders.HandleFunc("/order-book", s.handleOrderBook).Methods("GET", "OPTIONS")
	orders.HandleFunc("/trade-book", s.handleTradeBook).Methods("GET", "OPTIONS")
	orders.HandleFunc("/modify", s.handleModifyOrder).Methods("POST", "OPTIONS")
	orders.HandleFunc("/{orderId}", s.handleCancelOrder).Methods("DELETE", "OPTIONS")

	portfolio := s.router.PathPrefix("/portfolio").Subrouter()
	portfolio.HandleFunc("/positions", s.handlePositions).Methods("GET", "OPTIONS")
	portfolio.HandleFunc("/holdings", s.handleHoldings).Methods("GET", "OPTIONS")
	portfolio.HandleFunc("/limits", s.handleLimits).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/market/quotes", s.handleQuotes).Methods("GET", "OPTIONS")
	if s.deps.MarketData != nil {
		s.router.Handle("/ws/market-data", s.deps.MarketData).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
}

// CORSMiddleware allows any origin and answers preflight requests.
func (s *Server) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status. It passes Hijack through
// so WebSocket upgrades still work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		reqLog := s.logger.With().Str("request_id", uuid.NewString()).Logger()
		ctx := logging.WithLogger(r.Context(), reqLog)
		next.ServeHTTP(rec, r.WithContext(ctx))

		ev := reqLog.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = reqLog.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// Start listens in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.logger.Error().Err(err).Msg("API server shutdown failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server. Later calls return the first
// call's result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("Shutting down API server")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil {
				s.shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
			}
		}
	})
	return s.shutdownErr
}
