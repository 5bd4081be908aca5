package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jordanhubbard/llmproxy/internal/auth"
	"github.com/jordanhubbard/llmproxy/internal/gateway"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

const maxBodyBytes = 10 << 20

const (
	headerProvider  = "X-LLMProxy-Provider"
	headerModel     = "X-LLMProxy-Model"
	headerAttempts  = "X-LLMProxy-Attempts"
	headerRequestID = "X-Request-ID"
)

func decodeChat(w http.ResponseWriter, r *http.Request) (gateway.ChatRequest, bool) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "bad json", nil)
		return req, false
	}
	if req.ID == "" {
		req.ID = r.Header.Get(headerRequestID)
	}
	return req, true
}

// ChatHandler routes one chat completion and relays the chosen provider's
// response. Streamed responses are passed through as they arrive.
func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		plan, res, err := d.Gateway.Chat(r.Context(), req, auth.FromContext(r.Context()))
		if plan != nil {
			w.Header().Set(headerRequestID, plan.RequestID)
		}
		if err != nil {
			writeDispatchError(w, r, err)
			return
		}

		h := w.Header()
		h.Set(headerProvider, res.Candidate.Provider())
		h.Set(headerModel, res.Candidate.ModelName())
		h.Set(headerAttempts, strconv.Itoa(len(res.Attempts)))

		if res.Response.Stream != nil {
			relayStream(w, r, res.Response)
			return
		}
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Response.Body)
	}
}

// relayStream copies an SSE body to the caller, flushing per chunk. The
// response is already committed, so a failure is reported in-band as a
// final error event.
func relayStream(w http.ResponseWriter, r *http.Request, resp *router.Response) {
	defer resp.Stream.Close()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || r.Context().Err() != nil {
			return
		}
		slog.Warn("stream interrupted", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		msg, _ := json.Marshal(errorBody{Error: errorDetail{Type: "stream_interrupted", Message: err.Error()}})
		_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", msg)
		if flusher != nil {
			flusher.Flush()
		}
		return
	}
}

// PlanHandler returns the analysis and the ranked fallback chain for a
// request without dispatching it.
func PlanHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChat(w, r)
		if !ok {
			return
		}
		plan, err := d.Gateway.Plan(r.Context(), req, auth.FromContext(r.Context()))
		if err != nil {
			writeDispatchError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}
