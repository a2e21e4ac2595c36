package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hashrelay/internal/domain"
	"hashrelay/internal/pool"
)

// Service is the request pipeline behind POST /hash.
type Service interface {
	Handle(ctx context.Context, in domain.RequestInput) (domain.ResultMessage, error)
}

// StoreStats and ChannelStats report pool state for GET /healthz.
type StoreStats interface {
	Stats() pool.Stats
}

type ChannelStats interface {
	Stats() pool.Stats
	Healthy() bool
}

type Options struct {
	Logger         *slog.Logger
	RequestTimeout time.Duration
	Tracing        bool
}

func NewRouter(svc Service, store StoreStats, channels ChannelStats, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)
	if opts.Tracing {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "hashrelay")
		})
	}

	h := &handler{svc: svc, store: store, channels: channels}
	r.Post("/hash", h.hash)
	r.Get("/healthz", h.health)
	return r
}
