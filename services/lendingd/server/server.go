package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	nativecommon "revenuechannels/native/common"
	"revenuechannels/native/lending"
	"revenuechannels/services/lendingd/journal"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// EventStore answers journal queries.
type EventStore interface {
	Query(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
}

// Options wires the server's collaborators.
type Options struct {
	Engine            *lending.Engine
	Pauses            *nativecommon.Pauses
	Journal           EventStore
	Hub               *Hub
	Auth              AuthConfig
	RequestsPerMinute int
	Burst             int
	ServiceName       string
	OriginPatterns    []string
	Logger            *slog.Logger
}

// Server exposes the lending engine over HTTP.
type Server struct {
	engine         *lending.Engine
	pauses         *nativecommon.Pauses
	journal        EventStore
	hub            *Hub
	auth           *Authenticator
	limiter        *RateLimiter
	obs            *Observability
	logger         *slog.Logger
	originPatterns []string
	handler        http.Handler
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("lending engine required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "lendingd"
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		engine:         opts.Engine,
		pauses:         opts.Pauses,
		journal:        opts.Journal,
		hub:            hub,
		auth:           NewAuthenticator(opts.Auth, logger),
		limiter:        NewRateLimiter(opts.RequestsPerMinute, opts.Burst),
		obs:            NewObservability(opts.ServiceName, logger),
		logger:         logger,
		originPatterns: opts.OriginPatterns,
	}
	s.handler = s.obs.Wrap(s.routes())
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the event hub the engine should emit into.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestID)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)

		r.Get("/settings", s.getSettings)
		r.Get("/pools", s.listPools)
		r.Get("/pools/{token}", s.getPool)
		r.Get("/pools/{token}/lenders/{lender}", s.getLenderShares)
		r.Get("/params", s.listParams)
		r.Get("/params/{id}", s.getParams)
		r.Get("/incentives/{loanToken}/{collateralToken}", s.getIncentive)
		r.Get("/loans", s.listLoans)
		r.Get("/loans/{id}", s.getLoan)
		r.Get("/loans/{id}/margin", s.getMargin)
		r.Get("/events", s.listEvents)
		r.Get("/events/stream", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware)

			r.Post("/settings/fee", s.setLendingFee)
			r.Post("/settings/admin", s.transferAdmin)
			r.Post("/settings/pause", s.setPaused)
			r.Post("/incentives", s.setIncentives)
			r.Post("/pools", s.createPool)
			r.Post("/pools/{token}/curve", s.setCurve)
			r.Post("/pools/{token}/mint", s.mint)
			r.Post("/pools/{token}/burn", s.burn)
			r.Post("/pools/{token}/fees/withdraw", s.withdrawFees)
			r.Post("/params", s.setupParams)
			r.Post("/params/disable", s.disableParams)
			r.Post("/loans", s.openLoan)
			r.Post("/loans/{id}/close", s.closeLoan)
			r.Post("/loans/{id}/liquidate", s.liquidate)
			r.Post("/loans/{id}/collateral", s.increaseCollateral)
			r.Post("/loans/{id}/withdraw", s.withdrawCollateral)
			r.Post("/loans/{id}/rollover", s.rollover)
		})
	})
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}
