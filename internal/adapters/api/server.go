package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/gorilla/mux"
)

// NodeService is the registry as the API sees it.
type NodeService interface {
	ports.NodeRegistry
	Stats(ctx context.Context) (domain.NetworkStats, error)
}

// JobService is the ledger as the API sees it.
type JobService interface {
	ports.JobLedger
	Stats(ctx context.Context, owner string) (domain.JobStats, error)
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(key string) bool
}

type Server struct {
	issuer  ports.CredentialIssuer
	nodes   NodeService
	jobs    JobService
	logger  *slog.Logger
	router  *mux.Router
	limiter Limiter
}

type Option func(*Server)

// WithGateway mounts the node session endpoint at path.
func WithGateway(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.router.Handle(path, handler).Methods(http.MethodGet)
	}
}

// WithRateLimit throttles /api requests per client address.
func WithRateLimit(limiter Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

func New(issuer ports.CredentialIssuer, nodes NodeService, jobs JobService, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		issuer: issuer,
		nodes:  nodes,
		jobs:   jobs,
		logger: logger.With("component", "api"),
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router.PathPrefix("/api").Subrouter()
	if s.limiter != nil {
		r.Use(s.throttle)
	}

	r.HandleFunc("/credentials", s.handleIssueCredential).Methods(http.MethodPost)

	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/stats", s.handleJobStats).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/stop", s.handleStopJob).Methods(http.MethodPost)

	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.handleDeregisterNode).Methods(http.MethodDelete)

	r.HandleFunc("/network/stats", s.handleNetworkStats).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, domain.NewError(domain.KindNotFound, "route not found"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{ErrorKind: string(domain.KindInvalidInput), Message: "method not allowed"})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientKey(r)) {
			s.writeError(w, r, domain.NewError(domain.KindRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
