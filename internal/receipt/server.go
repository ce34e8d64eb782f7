package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zombor/receipt-ledger/internal/ratelimit"
)

// requestTimeout bounds every request, outbound calls included
const requestTimeout = 90 * time.Second

type emailKey struct{}

// Server handles HTTP requests for receipts
type Server struct {
	service *Service
	auth    Authenticator
	limits  *ratelimit.Registry
	router  chi.Router
}

// NewServer creates a Server. A nil registry disables rate limiting.
func NewServer(service *Service, auth Authenticator, limits *ratelimit.Registry) *Server {
	s := &Server{
		service: service,
		auth:    auth,
		limits:  limits,
		router:  chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	trusted := s.service.Config().TrustedProxies
	r.Use(middleware.RequestID)
	r.Use(trusted.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api", func(r chi.Router) {
		if s.limits != nil {
			r.Use(ratelimit.Middleware(s.limits, trusted))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/config", s.handleConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/auth/me", s.handleMe)
			r.Get("/sheets", s.handleListSheets)
			r.Post("/sheets/write", s.handleWriteRow)
			r.Post("/scan", s.handleScan)
			r.Post("/scan/batch", s.handleScanBatch)
		})
	})
}

// requireAuth resolves the caller e-mail or answers 401/403
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := s.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			slog.Warn("Authentication failed", "path", r.URL.Path, "error", err)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), emailKey{}, email)))
	})
}

// cors echoes allowed origins; with no list configured only same-origin
// callers work
func (s *Server) cors(next http.Handler) http.Handler {
	allowed := s.service.Config().AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" && (slices.Contains(allowed, origin) || slices.Contains(allowed, "*")) {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("Request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
