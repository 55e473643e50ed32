package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/policy"
)

const defaultTimeout = 60 * time.Second

// LedgerReader is the read side of the interaction ledger exposed by the API.
type LedgerReader interface {
	Get(ctx context.Context, id string) (*ledger.Interaction, error)
	ListByConversation(ctx context.Context, conversationID string) ([]ledger.Interaction, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]ledger.Interaction, error)
	Conversations(ctx context.Context, limit int) ([]ledger.ConversationSummary, error)
	Verify(ctx context.Context, id string) (bool, error)
}

// Reloader re-reads policies from their source.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Server holds the dependencies of the management API and the proxy mount.
type Server struct {
	router      *chi.Mux
	ledger      LedgerReader
	policies    policy.Source
	reloader    Reloader
	gateway     http.Handler
	proxyPrefix string
	quarantine  bool
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithGateway mounts the provider proxy under prefix (e.g. "/v1/proxy").
// The proxy does not use the management API keys.
func WithGateway(prefix string, h http.Handler) Option {
	return func(s *Server) {
		s.proxyPrefix = "/" + strings.Trim(prefix, "/")
		s.gateway = h
	}
}

// WithPolicyReloader enables POST /v1/policies/reload.
func WithPolicyReloader(r Reloader) Option {
	return func(s *Server) { s.reloader = r }
}

// WithQuarantine reports the quarantine controller as enabled on /health.
func WithQuarantine(enabled bool) Option {
	return func(s *Server) { s.quarantine = enabled }
}

// WithCORSOrigins sets allowed CORS origins (["*"] for any).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server. apiKeys maps key -> operator name.
func NewServer(l LedgerReader, policies policy.Source, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		ledger:      l,
		policies:    policies,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler. Proxy routes carry no request
// timeout so long streaming responses are not cut off; the gateway applies
// its own upstream timeouts.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	if s.gateway != nil {
		r.Route(s.proxyPrefix, func(r chi.Router) {
			r.Handle("/*", s.gateway)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/conversations", s.handleConversationsList)
		r.Get("/v1/conversations/{id}/interactions", s.handleConversationInteractions)

		r.Get("/v1/interactions", s.handleInteractionsList)
		r.Get("/v1/interactions/{id}", s.handleInteractionGet)
		r.Get("/v1/interactions/{id}/verify", s.handleInteractionVerify)

		r.Get("/v1/policies", s.handlePoliciesList)
		r.Post("/v1/policies/evaluate", s.handlePoliciesEvaluate)
		r.Post("/v1/policies/reload", s.handlePoliciesReload)
	})

	return r
}
