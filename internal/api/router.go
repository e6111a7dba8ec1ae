package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hlledger/internal/domain"
	"hlledger/internal/observability"
	"hlledger/internal/service"
	"hlledger/internal/store"
	"hlledger/internal/stream"
)

// DefaultRequestTimeout bounds each /v1 request when none is configured.
const DefaultRequestTimeout = 60 * time.Second

// Store is the persistence the HTTP layer reads and writes directly.
type Store interface {
	Ping(ctx context.Context) error
	AppendFills(ctx context.Context, address string, fills []domain.RawFill) (int, error)
	ListFills(ctx context.Context, address string, filter store.FillFilter) (*store.FillPage, error)
}

// Server holds the HTTP server dependencies.
type Server struct {
	ledger  *service.Ledger
	store   Store
	nc      *nats.Conn
	hub     *stream.Hub
	metrics *observability.Metrics
	timeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithNATS reports the connection state in /health.
func WithNATS(nc *nats.Conn) Option {
	return func(s *Server) { s.nc = nc }
}

// WithHub serves live fill events over websocket.
func WithHub(h *stream.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics exposes /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRequestTimeout bounds the processing time of each /v1 request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a new API server.
func NewServer(l *service.Ledger, st Store, opts ...Option) *Server {
	s := &Server{ledger: l, store: st, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Post("/import", s.handleImportFills)

		r.Get("/trades", s.handleTrades)
		r.Get("/positions/history", s.handlePositionHistory)
		r.Get("/pnl", s.handlePnL)
		r.Get("/pnl/history", s.handlePnLHistory)
		r.Get("/ledger", s.handleLedger)
		r.Get("/leaderboard", s.handleLeaderboard)
		r.Get("/fills", s.handleListFills)

		r.Get("/settings/target-builder", s.handleGetTargetBuilder)
		r.Put("/settings/target-builder", s.handlePutTargetBuilder)
	})

	r.Get("/ws/events/{address}", s.handleEvents)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

// statusForError maps service errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrNoTarget),
		errors.Is(err, service.ErrInvalidMetric),
		errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	// ledger.ErrInvariant and everything unexpected
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error")
			return
		}
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
