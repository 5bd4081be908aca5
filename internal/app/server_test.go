package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/llmproxy/internal/router"
)

var configEnv = []string{
	"LLMPROXY_LISTEN_ADDR",
	"LLMPROXY_LOG_LEVEL",
	"LLMPROXY_DB_DSN",
	"LLMPROXY_DATA_DIR",
	"LLMPROXY_THROTTLE_RPS",
	"LLMPROXY_THROTTLE_BURST",
	"LLMPROXY_CATALOG_SOURCE",
	"LLMPROXY_CATALOG_FILE",
	"LLMPROXY_CATALOG_REFRESH",
	"LLMPROXY_RATELIMIT_BACKEND",
	"LLMPROXY_RATELIMIT_TTL",
	"LLMPROXY_REDIS_ADDR",
	"LLMPROXY_POSTGRES_DSN",
	"LLMPROXY_ATTEMPT_RETENTION",
	"LLMPROXY_OTEL_ENABLED",
	"LLMPROXY_OTEL_SAMPLE_RATIO",
	"LLMPROXY_TEMPORAL_ENABLED",
	"LLMPROXY_CORS_ORIGINS",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBDSN != "file:/data/llmproxy.sqlite" {
		t.Errorf("DBDSN = %q", cfg.DBDSN)
	}
	if cfg.CatalogSource != CatalogFromStore {
		t.Errorf("CatalogSource = %q, want %q", cfg.CatalogSource, CatalogFromStore)
	}
	if cfg.RateLimitBackend != BackendMemory {
		t.Errorf("RateLimitBackend = %q, want %q", cfg.RateLimitBackend, BackendMemory)
	}
	if cfg.RateLimitTTL != time.Hour {
		t.Errorf("RateLimitTTL = %s, want 1h", cfg.RateLimitTTL)
	}
	if cfg.AttemptRetention != 7*24*time.Hour {
		t.Errorf("AttemptRetention = %s, want 168h", cfg.AttemptRetention)
	}
	if cfg.TemporalEnabled {
		t.Error("TemporalEnabled should default to false")
	}
	if cfg.ResolvedDataDir() != "/data" {
		t.Errorf("ResolvedDataDir() = %q, want /data", cfg.ResolvedDataDir())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("LLMPROXY_LISTEN_ADDR", ":9090")
	t.Setenv("LLMPROXY_LOG_LEVEL", "debug")
	t.Setenv("LLMPROXY_DB_DSN", "file::memory:")
	t.Setenv("LLMPROXY_CATALOG_REFRESH", "30s")
	t.Setenv("LLMPROXY_RATELIMIT_BACKEND", "redis")
	t.Setenv("LLMPROXY_REDIS_ADDR", "localhost:6379")
	t.Setenv("LLMPROXY_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LLMPROXY_TEMPORAL_ENABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.CatalogRefresh != 30*time.Second {
		t.Errorf("CatalogRefresh = %s", cfg.CatalogRefresh)
	}
	if cfg.RateLimitBackend != BackendRedis || cfg.RedisAddr != "localhost:6379" {
		t.Errorf("redis backend not configured: %q %q", cfg.RateLimitBackend, cfg.RedisAddr)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if !cfg.TemporalEnabled {
		t.Error("TemporalEnabled = false, want true")
	}
	if cfg.ResolvedDataDir() != "" {
		t.Errorf("in-memory DSN should have no data dir, got %q", cfg.ResolvedDataDir())
	}
}

func validConfig() Config {
	return Config{
		ThrottleRPS:      1,
		ThrottleBurst:    1,
		CatalogSource:    CatalogFromDefaults,
		RateLimitBackend: BackendMemory,
		RateLimitTTL:     time.Minute,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"throttle", func(c *Config) { c.ThrottleRPS = 0 }, "LLMPROXY_THROTTLE_RPS"},
		{"catalog file missing", func(c *Config) { c.CatalogSource = CatalogFromFile }, "LLMPROXY_CATALOG_FILE"},
		{"unknown catalog source", func(c *Config) { c.CatalogSource = "s3" }, "LLMPROXY_CATALOG_SOURCE"},
		{"redis without addr", func(c *Config) { c.RateLimitBackend = BackendRedis }, "LLMPROXY_REDIS_ADDR"},
		{"postgres without dsn", func(c *Config) { c.RateLimitBackend = BackendPostgres }, "LLMPROXY_POSTGRES_DSN"},
		{"unknown backend", func(c *Config) { c.RateLimitBackend = "etcd" }, "LLMPROXY_RATELIMIT_BACKEND"},
		{"sample ratio", func(c *Config) { c.OTelSampleRatio = 2 }, "LLMPROXY_OTEL_SAMPLE_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRouting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	doc := `
executor:
  max_retries: 1
  base_backoff: 250ms
circuit_breaker:
  threshold: 3
  cooldown: 1m
rate_limit_backoff: 45s
budget:
  min_viable_output: 128
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadRouting(path)
	if err != nil {
		t.Fatalf("LoadRouting() error: %v", err)
	}
	if r.Executor.MaxRetries != 1 || r.Executor.BaseBackoff != 250*time.Millisecond {
		t.Errorf("executor = %+v", r.Executor)
	}
	if r.Breaker.Threshold != 3 || r.Breaker.Cooldown != time.Minute {
		t.Errorf("breaker = %+v", r.Breaker)
	}
	if r.RateLimitBackoff != 45*time.Second {
		t.Errorf("RateLimitBackoff = %s", r.RateLimitBackoff)
	}
	if r.Budget.MinViableOutput != 128 {
		t.Errorf("MinViableOutput = %d", r.Budget.MinViableOutput)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("executor:\n  retries: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRouting(bad); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}

	empty, err := LoadRouting("")
	if err != nil || empty.Executor.MaxRetries != 0 {
		t.Fatalf("empty path: %+v, %v", empty, err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := validConfig()
	cfg.LogLevel = "error"
	cfg.DBDSN = "file::memory:"
	cfg.DataDir = t.TempDir()
	cfg.AdminToken = "admin-secret"
	cfg.ThrottleRPS = 100
	cfg.ThrottleBurst = 100
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewServerHealthz(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, body = %s", rr.Code, rr.Body)
	}
	var body struct {
		Status string `json:"status"`
		Models int    `json:"models"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Models == 0 {
		t.Errorf("healthz body = %+v", body)
	}
}

func TestNewServerAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/catalog", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/catalog", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin catalog status = %d, body = %s", rr.Code, rr.Body)
	}
}

func TestReloadSwapsEnvironment(t *testing.T) {
	s := newTestServer(t)

	vars := map[string]string{
		"GROQ_API_KEY_FREE":       "gsk-free",
		"OPENAI_COMPATIBLE_KEY_0": "orphan",
	}
	s.lookup = func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
	err := s.Reload(context.Background())
	if err == nil || !strings.Contains(err.Error(), "OPENAI_COMPATIBLE_URL_0") {
		t.Fatalf("Reload() error = %v, want malformed variable report", err)
	}
	env := s.gateway.Environment()
	if len(env) != 1 {
		t.Fatalf("environment = %+v, want the groq credential", env)
	}
	if env[0].ProviderType != "groq" || env[0].APIKey != "" || !env[0].FreeTier {
		t.Errorf("credential = %+v, want groq without its secret", env[0])
	}
	if s.catalog.Snapshot().Version() < 2 {
		t.Errorf("catalog version = %d, want a refresh", s.catalog.Snapshot().Version())
	}
}

func TestPlanThroughServer(t *testing.T) {
	s := newTestServer(t)
	s.gateway.SetEnvironment([]router.CredentialEntry{{
		ID: "env-openai", ProviderType: "openai", APIKey: "sk-test",
		Endpoint: "https://api.openai.com/v1", Source: router.SourceEnvironment,
	}})

	body := `{"messages":[{"role":"user","content":"hello"}],"credentials":[{"provider":"openai","api_key":"sk-user"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/plan", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("plan status = %d, body = %s", rr.Code, rr.Body)
	}
	if !strings.Contains(rr.Body.String(), "openai/") {
		t.Errorf("plan has no openai candidate: %s", rr.Body)
	}
}
