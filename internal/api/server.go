// Package api provides the sandbox storefront backend. It implements the
// identity and cart contract the client talks to, in memory, for local
// development and tests.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/domain"
)

// sandboxRequests counts requests the sandbox served.
var sandboxRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "storefront",
	Subsystem: "sandbox",
	Name:      "requests_total",
	Help:      "Sandbox backend requests by method and status.",
}, []string{"method", "status"})

// Config configures the sandbox.
type Config struct {
	// Services are the path prefixes the API is mounted under.
	Services          map[string]string
	Policy            domain.DeliveryPolicy
	AccessTTL         time.Duration
	GuestHeader       string
	CorrelationHeader string
}

// Stats reports how often the contract's sensitive endpoints were hit.
type Stats struct {
	Logins    int
	Refreshes int
	Transfers int
}

// Server is the in-memory storefront backend.
type Server struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	catalog  map[string]domain.ProductRef
	stock    map[string]int
	accounts map[string]*account // by email
	access   map[string]grant    // access token → grant
	refresh  map[string]string   // refresh token → user id
	carts    map[string]*cart    // cartKey → cart
	faults   []fault
	stats    Stats
}

// NewServer creates a sandbox with the seed catalogue and one demo account.
func NewServer(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.GuestHeader == "" {
		cfg.GuestHeader = "X-Guest-Session"
	}
	if cfg.CorrelationHeader == "" {
		cfg.CorrelationHeader = "X-Correlation-Id"
	}
	if cfg.Policy == (domain.DeliveryPolicy{}) {
		cfg.Policy = domain.DefaultDeliveryPolicy()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		catalog:  make(map[string]domain.ProductRef),
		stock:    make(map[string]int),
		accounts: make(map[string]*account),
		access:   make(map[string]grant),
		refresh:  make(map[string]string),
		carts:    make(map[string]*cart),
	}
	s.seed()
	return s
}

// Handler returns the chi router with the API mounted under every service
// prefix and at the root.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.correlation)
	r.Use(s.instrument)
	r.Use(s.injectFaults)
	r.Use(corsMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	api := s.routes()
	for _, prefix := range s.cfg.Services {
		if prefix = strings.TrimRight(prefix, "/"); prefix != "" {
			r.Mount(prefix, api)
		}
	}
	r.Mount("/", api)
	return r
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/me", s.handleMe)
		r.Post("/logout", s.handleLogout)
	})

	r.Get("/api/products", s.handleProducts)

	r.Route("/api/cart", func(r chi.Router) {
		r.Get("/", s.handleGetCart)
		r.Post("/add", s.handleAdd)
		r.Put("/items/{id}/quantity", s.handleSetQuantity)
		r.Delete("/items/{id}", s.handleRemove)
		r.Delete("/clear", s.handleClear)
		r.Get("/count", s.handleCount)
		r.Post("/validate", s.handleValidate)
		r.Post("/apply-coupon", s.handleApplyCoupon)
		r.Post("/remove-coupon", s.handleRemoveCoupon)
		r.Post("/transfer", s.handleTransfer)
	})
	return r
}

// ─── Test Controls ──────────────────────────────────────────────────────────

// Stats returns a snapshot of the endpoint counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ExpireAccessTokens makes every issued access token stale.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, g := range s.access {
		g.expires = s.now().Add(-time.Second)
		s.access[tok] = g
	}
}

// RevokeRefreshTokens invalidates every refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// FailNext makes the next request whose method matches and whose path ends
// with suffix fail with status.
func (s *Server) FailNext(method, suffix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{method: method, suffix: suffix, status: status})
}

type fault struct {
	method string
	suffix string
	status int
}

// ─── Middleware ─────────────────────────────────────────────────────────────

// correlation echoes the caller's correlation id, or issues the request id.
func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(s.cfg.CorrelationHeader))
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set(s.cfg.CorrelationHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		sandboxRequests.WithLabelValues(r.Method, http.StatusText(status)).Inc()
		s.log.Debug("sandbox request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
			zap.String("correlation_id", w.Header().Get(s.cfg.CorrelationHeader)))
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := 0
		for i, f := range s.faults {
			if f.method == r.Method && strings.HasSuffix(r.URL.Path, f.suffix) {
				status = f.status
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers for browser clients in development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-Id, X-Guest-Session")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Envelope ───────────────────────────────────────────────────────────────

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
}

// writeJSON writes data wrapped in the response envelope.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, data, "")
}

// writeError writes a failure envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, nil, msg)
}

func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   status < 400,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
	})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
