package httpapi

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/llmproxy/internal/catalog"
	"github.com/jordanhubbard/llmproxy/internal/store"
)

type catalogView struct {
	Source   string `json:"source"`
	Version  uint64 `json:"version"`
	LoadedAt string `json:"loaded_at"`
	Models   any    `json:"models"`
}

func viewOf(source string, snap *catalog.Snapshot) catalogView {
	return catalogView{
		Source:   source,
		Version:  snap.Version(),
		LoadedAt: snap.LoadedAt().UTC().Format(time.RFC3339),
		Models:   snap.All(),
	}
}

func CatalogHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, viewOf(d.Catalog.SourceName(), d.Catalog.Snapshot()))
	}
}

// CatalogRefreshHandler reloads the catalog. A failed reload keeps the
// previous snapshot and reports 502.
func CatalogRefreshHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Catalog.Refresh(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, "catalog_refresh_failed", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(d.Catalog.SourceName(), snap))
	}
}

func CredentialsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"credentials": d.Gateway.Environment()})
	}
}

func RateLimitsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.Tracker.Entries(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "rate limit state unavailable", nil)
			warnOnErr("ratelimit_entries", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// RateLimitResetHandler forgets the state of one candidate key. Keys
// contain slashes, so the key is the escaped remainder of the path.
func RateLimitResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || key == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "candidate key required", nil)
			return
		}
		if err := d.Tracker.Reset(r.Context(), key); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "reset failed", nil)
			warnOnErr("ratelimit_reset", err)
			return
		}
		slog.Info("rate limit state reset", slog.String("candidate", key))
		w.WriteHeader(http.StatusNoContent)
	}
}

func AttemptsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeError(w, http.StatusNotFound, "not_found", "attempt log disabled", nil)
			return
		}
		q := r.URL.Query()
		f := store.AttemptFilter{
			RequestID: q.Get("request_id"),
			Provider:  q.Get("provider"),
			Outcome:   q.Get("outcome"),
		}
		f.Limit, _ = strconv.Atoi(q.Get("limit"))
		f.Offset, _ = strconv.Atoi(q.Get("offset"))
		if f.Limit < 0 || f.Offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit and offset must not be negative", nil)
			return
		}
		rows, err := d.Store.ListAttempts(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "attempt log unavailable", nil)
			warnOnErr("list_attempts", err)
			return
		}
		if rows == nil {
			rows = []store.AttemptRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": rows})
	}
}

func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		tok, err := d.AdminToken.Rotate(slog.Default())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "rotation failed", nil)
			warnOnErr("admin_token_rotate", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"admin_token": tok})
	}
}
