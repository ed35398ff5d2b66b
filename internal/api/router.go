// Package api exposes the agent's entries and alert service verbs over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/HsiangNianian/lightstack-agent/internal/coordinator"
	"github.com/HsiangNianian/lightstack-agent/internal/logging"
	"github.com/HsiangNianian/lightstack-agent/internal/store"
)

const RequestIDHeader = "X-Request-ID"

type Options struct {
	Registry   *coordinator.Registry
	Store      store.Store
	AuthToken  string
	RequestTTL time.Duration
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

type Handler struct {
	registry   *coordinator.Registry
	store      store.Store
	authToken  string
	requestTTL time.Duration
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = 10 * time.Minute
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		registry:   opts.Registry,
		store:      opts.Store,
		authToken:  opts.AuthToken,
		requestTTL: opts.RequestTTL,
		gatherer:   opts.Gatherer,
		log:        logging.Component(opts.Logger, "api"),
	}
}

func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/entries", h.listEntries)
		r.Get("/entries/{id}/state", h.entryState)
		r.Post("/services/trigger_alert", h.triggerAlert)
		r.Post("/services/clear_alert", h.clearAlert)
		r.Post("/services/clear_all_alerts", h.clearAllAlerts)
		r.Get("/requests/{id}", h.requestStatus)
	})
	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
			h.log.Warn().Str("remote", r.RemoteAddr).Msg("api unauthorized")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("api request")
	})
}
