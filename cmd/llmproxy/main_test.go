package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPort(url string) string {
	parts := strings.TrimPrefix(url, "http://")
	return parts[strings.LastIndex(parts, ":"):]
}

func TestRunHealthCheck_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	require.NoError(t, runHealthCheck(testPort(srv.URL)))
}

func TestRunHealthCheck_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := runHealthCheck(testPort(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check returned status 503")
}

func TestRunHealthCheck_ConnectionError(t *testing.T) {
	err := runHealthCheck(":19")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LLMPROXY_TEST_A=from-file\nLLMPROXY_TEST_B=from-file\n"), 0o600))

	t.Setenv("LLMPROXY_TEST_A", "from-env")
	t.Setenv("LLMPROXY_TEST_B", "")
	require.NoError(t, os.Unsetenv("LLMPROXY_TEST_B"))

	require.NoError(t, loadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("LLMPROXY_TEST_A"), "set variables win over the file")
	assert.Equal(t, "from-file", os.Getenv("LLMPROXY_TEST_B"))
}

func TestVersionIsSet(t *testing.T) {
	assert.Equal(t, "dev", version)
}
