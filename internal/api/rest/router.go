// Package rest exposes the risk pipeline over HTTP.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/davidleathers/community-risk-engine/internal/metrics"
)

// NewRouter wires the routes. /metrics and /healthz sit outside the request
// metrics so scrapes and probes do not count as traffic.
func NewRouter(h *Handler, m *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(instrument(m, "post_message")).Post("/events/messages", h.PostMessage)
		r.With(instrument(m, "post_join")).Post("/events/joins", h.PostJoin)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.With(instrument(m, "get_user")).Get("/", h.GetUser)
			r.With(instrument(m, "get_user_actions")).Get("/actions", h.GetUserActions)
			r.With(instrument(m, "put_whitelist")).Put("/whitelist", h.PutWhitelist)
		})

		r.With(instrument(m, "get_brigade_events")).Get("/guilds/{guildID}/brigades", h.GetBrigadeEvents)
		r.With(instrument(m, "delete_active_timeout")).Delete("/guilds/{guildID}/users/{userID}/timeout", h.DeleteActiveTimeout)
	})

	return otelhttp.NewHandler(r, "rest",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

func instrument(m *metrics.Registry, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return m.InstrumentHandler(name, next)
	}
}
