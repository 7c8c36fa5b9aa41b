// Package api serves read-only protocol state, the event journal and the
// live event feed over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

// Reader is the read side of the lifecycle controller.
type Reader interface {
	Config(ctx context.Context) (state.Config, error)
	Merchant(ctx context.Context, addr ledger.Address) (state.Merchant, error)
	Plan(ctx context.Context, addr ledger.Address) (state.Plan, error)
	Plans(ctx context.Context, merchant ledger.Address) ([]state.Plan, error)
	Subscription(ctx context.Context, addr ledger.Address) (state.Subscription, error)
	SubscriptionCounts(ctx context.Context) (map[state.Status]int, error)
}

// EventLister pages through journaled events.
type EventLister interface {
	List(ctx context.Context, after string, limit int) ([]events.Record, error)
}

// Server holds the API dependencies.
type Server struct {
	reader  Reader
	journal EventLister
	feed    http.Handler
	version string
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithJournal enables GET /v1/events.
func WithJournal(j EventLister) Option {
	return func(s *Server) { s.journal = j }
}

// WithFeed mounts the live event stream at GET /v1/feed.
func WithFeed(h http.Handler) Option {
	return func(s *Server) { s.feed = h }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a Server over reader.
func NewServer(reader Reader, opts ...Option) *Server {
	s := &Server{reader: reader, version: "dev", started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ErrorHandler)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.Get("/merchants/{address}", s.handleMerchant)
		r.Get("/merchants/{address}/plans", s.handleMerchantPlans)
		r.Get("/plans/{address}", s.handlePlan)
		r.Get("/subscriptions/{address}", s.handleSubscription)
		r.Get("/subscriptions", s.handleSubscriptionCounts)
		if s.journal != nil {
			r.Get("/events", s.handleEvents)
		}
		if s.feed != nil {
			r.Method(http.MethodGet, "/feed", s.feed)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})
	return r
}

// HTTPServer wraps the router with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
