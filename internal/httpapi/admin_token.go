package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const adminTokenFile = ".admin-token"

// AdminTokenHolder guards the admin API token. The token survives restarts
// through a file in the data directory and can be rotated at runtime.
type AdminTokenHolder struct {
	mu      sync.RWMutex
	token   string
	dataDir string
}

// NewAdminTokenHolder resolves the initial token:
//
//  1. Explicit configuration value
//  2. Token persisted in dataDir by an earlier run
//  3. Newly generated random token
//
// The resolved token is persisted whenever dataDir is set.
func NewAdminTokenHolder(configToken, dataDir string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dataDir: dataDir, token: configToken}
	if h.token == "" {
		h.token = h.readPersisted()
	}
	if h.token == "" {
		tok, err := randomToken()
		if err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		h.token = tok
		logger.Warn("LLMPROXY_ADMIN_TOKEN not set, generated one", slog.String("file", h.tokenPath()))
	}
	h.persist(logger)
	return h, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual reports whether provided matches the current token.
func (h *AdminTokenHolder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate installs and persists a new random token.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
	h.persist(logger)
	return tok, nil
}

// Middleware rejects requests without the admin bearer token.
func (h *AdminTokenHolder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !h.ConstantTimeEqual(strings.TrimSpace(token)) {
			slog.Warn("admin auth: rejected", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminTokenHolder) tokenPath() string {
	if h.dataDir == "" {
		return ""
	}
	return filepath.Join(h.dataDir, adminTokenFile)
}

func (h *AdminTokenHolder) readPersisted() string {
	path := h.tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	path := h.tokenPath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(h.dataDir, 0o700); err != nil {
		logger.Warn("failed to create data dir", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(path, []byte(h.Get()+"\n"), 0o600); err != nil {
		logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}
