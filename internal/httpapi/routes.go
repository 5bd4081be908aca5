// Package httpapi is the HTTP surface: the chat and plan endpoints for
// callers and the admin API for operators.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/llmproxy/internal/auth"
	"github.com/jordanhubbard/llmproxy/internal/catalog"
	"github.com/jordanhubbard/llmproxy/internal/events"
	"github.com/jordanhubbard/llmproxy/internal/gateway"
	"github.com/jordanhubbard/llmproxy/internal/idempotency"
	"github.com/jordanhubbard/llmproxy/internal/metrics"
	"github.com/jordanhubbard/llmproxy/internal/ratelimit"
	"github.com/jordanhubbard/llmproxy/internal/store"
	"github.com/jordanhubbard/llmproxy/internal/throttle"
)

type Dependencies struct {
	Gateway *gateway.Gateway
	Catalog *catalog.Catalog
	Tracker *ratelimit.Tracker
	Metrics *metrics.Registry

	// Optional.
	Store      store.Store
	EventBus   *events.Bus
	Auth       *auth.Authenticator
	AdminToken *AdminTokenHolder
	Throttle   *throttle.Limiter
	// Idempotency replays chat responses for a repeated Idempotency-Key.
	Idempotency *idempotency.Cache
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.Throttle != nil {
			r.Use(d.Throttle.Middleware)
		}
		authn := d.Auth
		if authn == nil {
			authn = auth.NewAuthenticator(nil)
		}
		r.Use(auth.Middleware(authn))
		if d.Idempotency != nil {
			r.With(idempotency.Middleware(d.Idempotency, callerScope)).Post("/chat/completions", ChatHandler(d))
		} else {
			r.Post("/chat/completions", ChatHandler(d))
		}
		r.Post("/plan", PlanHandler(d))
	})

	if d.AdminToken == nil {
		return
	}
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(d.AdminToken.Middleware)
		r.Get("/catalog", CatalogHandler(d))
		r.Post("/catalog/refresh", CatalogRefreshHandler(d))
		r.Get("/credentials", CredentialsHandler(d))
		r.Get("/ratelimits", RateLimitsHandler(d))
		r.Delete("/ratelimits/*", RateLimitResetHandler(d))
		r.Get("/attempts", AttemptsHandler(d))
		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})
}

// callerScope keys idempotency entries by token name. Anonymous callers are
// told apart by address.
func callerScope(r *http.Request) string {
	id := auth.FromContext(r.Context())
	if id.Name == auth.Anonymous.Name {
		return "anon:" + throttle.ClientAddr(r)
	}
	return "token:" + id.Name
}

func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := d.Catalog.Snapshot()
		body := map[string]any{
			"status":          "ok",
			"models":          snap.Len(),
			"catalog_version": snap.Version(),
			"credentials":     len(d.Gateway.Environment()),
		}
		if snap.Len() == 0 {
			body["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}
