// Package httpapi exposes the dispatch engine over HTTP and websockets.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-dispatch/internal/auth"
	"github.com/example/rider-dispatch/internal/dispatch"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/payments"
)

type RiderRegistry interface {
	Register(ctx context.Context, rider models.Rider) error
	Deregister(ctx context.Context, id string) error
	UpdatePosition(ctx context.Context, id string, loc models.Coord) error
	Get(id string) (models.Rider, bool)
}

type Dispatcher interface {
	Assign(ctx context.Context, draft models.OrderDraft) (*models.Order, error)
	Redispatch(ctx context.Context, orderID string) (*models.Order, error)
}

type OrderLifecycle interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	Transition(ctx context.Context, id string, ev models.Event) (*models.Order, error)
}

type PositionPublisher interface {
	PublishPosition(ctx context.Context, rep models.PositionReport) error
}

// Deps are the collaborators behind the routes. Positions and Payments are
// optional.
type Deps struct {
	Riders     RiderRegistry
	Dispatcher Dispatcher
	Orders     OrderLifecycle
	Payments   payments.Gateway
	Positions  PositionPublisher
	Sessions   *dispatch.WSRegistry
	JWTSecret  string
	Logger     *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Payments == nil {
		d.Payments = payments.Disabled{}
	}
	if d.Sessions == nil {
		d.Sessions = dispatch.NewWSRegistry(logger)
	}
	s := &Server{Deps: d, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware(s.JWTSecret))
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/events", s.handleOrderEvent).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/dispatch", s.handleRedispatch).Methods(http.MethodPost)
	api.HandleFunc("/payments", s.handlePayment).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/riders", s.handleRegisterRider).Methods(http.MethodPost)
	internal.HandleFunc("/riders/locations", s.handleRiderLocation).Methods(http.MethodPost)
	internal.HandleFunc("/riders/{id}", s.handleGetRider).Methods(http.MethodGet)
	internal.HandleFunc("/riders/{id}", s.handleDeregisterRider).Methods(http.MethodDelete)

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(auth.Middleware(s.JWTSecret))
	ws.HandleFunc("/riders/{rider_id}", s.handleWS).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
