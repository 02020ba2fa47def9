package expense

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server handles HTTP requests for expenses
type Server struct {
	service      *Service
	basicAuth    BasicAuth
	allowedUsers map[string]struct{}
	mux          *http.ServeMux
	logger       *slog.Logger
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ServerOptions configures access to the API
type ServerOptions struct {
	BasicAuth BasicAuth
	// AllowedUsers restricts which user IDs may be addressed. Empty allows everyone.
	AllowedUsers []string
	Logger       *slog.Logger
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, opts ServerOptions) *Server {
	return NewServerWithMux(service, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, opts ServerOptions, mux *http.ServeMux) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(opts.AllowedUsers))
	for _, u := range opts.AllowedUsers {
		if u != "" {
			allowed[u] = struct{}{}
		}
	}

	s := &Server{
		service:      service,
		basicAuth:    opts.BasicAuth,
		allowedUsers: allowed,
		mux:          mux,
		logger:       logger,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return false
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
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
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Spend Tracker"`)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		next(w, r)
	}
}

// requireUser rejects users outside the allow list
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		if user == "" {
			writeError(w, http.StatusBadRequest, string(CodeMalformedInput), "User ID required")
			return
		}
		if len(s.allowedUsers) > 0 {
			if _, ok := s.allowedUsers[user]; !ok {
				s.logger.Warn("Rejected request for user outside allow list", "user_id", user, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "FORBIDDEN", "You are not allowed to use this tracker")
				return
			}
		}
		next(w, r)
	})
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// API endpoints - entries and paused sessions
	s.mux.HandleFunc("POST /api/users/{user}/sessions/{session}/amount", s.requireUser(s.handleProvideAmount))
	s.mux.HandleFunc("POST /api/users/{user}/entries", s.requireUser(s.handleSubmitEntry))

	// API endpoints - transactions (most specific paths first)
	s.mux.HandleFunc("GET /api/users/{user}/transactions/{id}/image", s.requireUser(s.handleGetTransactionImage))
	s.mux.HandleFunc("POST /api/users/{user}/transactions/{id}/keywords", s.requireUser(s.handleAddKeywords))
	s.mux.HandleFunc("GET /api/users/{user}/transactions/{id}", s.requireUser(s.handleGetTransaction))
	s.mux.HandleFunc("DELETE /api/users/{user}/transactions/{id}", s.requireUser(s.handleDeleteTransaction))
	s.mux.HandleFunc("GET /api/users/{user}/transactions", s.requireUser(s.handleListTransactions))

	s.mux.HandleFunc("GET /api/users/{user}/summary", s.requireUser(s.handleSummary))
	s.mux.HandleFunc("POST /api/users/{user}/recap", s.requireUser(s.handleRecap))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
