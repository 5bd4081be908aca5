package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jordanhubbard/llmproxy/internal/gateway"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type     string                  `json:"type"`
	Message  string                  `json:"message"`
	Attempts []router.AttemptFailure `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string, attempts []router.AttemptFailure) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Message: msg, Attempts: attempts}})
}

// writeDispatchError maps a terminal routing error to a status code. Only
// the aggregated message is returned; provider bodies never reach callers.
// A canceled request gets no body since nobody is listening.
func writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		badReq  *gateway.BadRequestError
		noCand  *router.NoCandidateAvailableError
		quota   *router.QuotaExhaustedError
		timeout *router.DispatchTimeoutError
	)
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, "invalid_request", badReq.Msg, nil)
	case errors.As(err, &noCand):
		writeError(w, http.StatusServiceUnavailable, "no_candidate_available", noCand.Error(), nil)
	case errors.As(err, &quota):
		writeError(w, http.StatusBadGateway, "quota_exhausted", quota.Error(), quota.Failures)
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, "dispatch_timeout", timeout.Error(), timeout.Failures)
	case errors.Is(err, router.ErrDispatchTimeout):
		writeError(w, http.StatusGatewayTimeout, "dispatch_timeout", router.ErrDispatchTimeout.Error(), nil)
	case errors.Is(err, context.Canceled):
		slog.Debug("request canceled by caller", slog.String("path", r.URL.Path))
	default:
		slog.Error("unexpected dispatch error", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}
