package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotency-Replay"

	maxKeyLen = 255
)

// CallerFunc names the caller a request belongs to.
type CallerFunc func(*http.Request) string

// Middleware replays the stored response for a repeated Idempotency-Key.
// Only successful buffered responses are stored; failures and streams are
// not, so a retry after them dispatches again. A repeat that arrives while
// the first request is still running gets 409.
func Middleware(cache *Cache, caller CallerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLen {
				reject(w, http.StatusBadRequest, "invalid_request", "idempotency key too long")
				return
			}
			who := caller(r)

			if e, ok := cache.Get(who, key); ok {
				replay(w, e)
				return
			}
			if !cache.Begin(who, key) {
				// Finished between Get and Begin.
				if e, ok := cache.Get(who, key); ok {
					replay(w, e)
					return
				}
				reject(w, http.StatusConflict, "idempotency_conflict", "a request with this idempotency key is in progress")
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				cache.Finish(who, key, rec.entry())
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

func replay(w http.ResponseWriter, e Entry) {
	h := w.Header()
	for k, v := range e.Header {
		h[k] = append([]string(nil), v...)
	}
	h.Set(HeaderReplay, "true")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
}

func reject(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": typ, "message": msg}})
}

// recorder tees the response so it can be stored after the handler returns.
type recorder struct {
	http.ResponseWriter
	status    int
	body      bytes.Buffer
	streaming bool
	wrote     bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
		r.streaming = strings.HasPrefix(r.Header().Get("Content-Type"), "text/event-stream")
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	if !r.streaming {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) entry() *Entry {
	if !r.wrote || r.streaming || r.status < 200 || r.status >= 300 {
		return nil
	}
	return &Entry{
		StatusCode: r.status,
		Header:     r.Header().Clone(),
		Body:       append([]byte(nil), r.body.Bytes()...),
	}
}
