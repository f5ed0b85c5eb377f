package receipt

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/observability"
)

// UserHandlerFunc handles a request from an authenticated caller
type UserHandlerFunc = func(w http.ResponseWriter, r *http.Request, user *identity.User)

// Server handles HTTP requests for receipts and accounts
type Server struct {
	service  *Service
	registry *identity.Registry
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	mux      *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, registry *identity.Registry, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	return NewServerWithMux(service, registry, metrics, gatherer, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, registry *identity.Registry, metrics *observability.Metrics, gatherer prometheus.Gatherer, mux *http.ServeMux) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		service:  service,
		registry: registry,
		metrics:  metrics,
		gatherer: gatherer,
		mux:      mux,
	}
	s.registerRoutes()
	return s
}

// authenticate resolves the caller from basic auth credentials
func (s *Server) authenticate(r *http.Request) (*identity.User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("credentials required: %w", apperr.ErrUnauthenticated)
	}
	return s.registry.Authenticate(username, password)
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next UserHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Approvals"`)
			WriteError(w, err)
			return
		}
		next(w, r, user)
	}
}

// HandleUser registers an authenticated route
func (s *Server) HandleUser(pattern string, h func(w http.ResponseWriter, r *http.Request, user *identity.User)) {
	s.mux.HandleFunc(pattern, s.metrics.Instrument(pattern, s.requireAuth(h)))
}

// handle registers a route that needs no credentials
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.metrics.Instrument(pattern, h))
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.handle("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Accounts
	s.handle("POST /api/signup", s.handleSignup)
	s.HandleUser("GET /api/me", s.handleMe)
	s.HandleUser("GET /api/users", s.handleListUsers)
	s.HandleUser("GET /api/users/{username}", s.handleGetUser)
	s.HandleUser("GET /api/users/{username}/candidates", s.handleTeamCandidates)
	s.HandleUser("POST /api/users/{username}/role", s.handleSetRole)

	// Receipts
	s.HandleUser("POST /api/receipts/scan", s.handleScanReceipt)
	s.HandleUser("POST /api/receipts", s.handleCreateReceipt)
	s.HandleUser("GET /api/receipts", s.handleListReceipts)
	s.HandleUser("GET /api/receipts/{owner}/{processed_at}", s.handleGetReceipt)
	s.HandleUser("PUT /api/receipts/{owner}/{processed_at}", s.handleUpdateReceipt)
	s.HandleUser("POST /api/receipts/{owner}/{processed_at}/status", s.handleTransition)
	s.HandleUser("GET /api/uploads/{image_ref}", s.handleGetUpload)
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
