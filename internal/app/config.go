package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/llmproxy/internal/circuitbreaker"
	"github.com/jordanhubbard/llmproxy/internal/router"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string
	// DataDir holds the admin token file. Empty derives it from DBDSN.
	DataDir string

	// Security & hardening.
	AdminToken    string   // required for /admin/v1; generated when empty
	CallerTokens  string   // "name:bcrypt-hash" pairs authorizing env credentials
	CORSOrigins   []string // allowed CORS origins; empty = ["*"]
	ThrottleRPS   int      // requests per second per caller
	ThrottleBurst int      // burst capacity per caller
	// IdempotencyTTL is how long chat responses stay replayable; zero
	// disables Idempotency-Key handling.
	IdempotencyTTL time.Duration

	// Model catalog.
	CatalogSource  string // "store", "file" or "defaults"
	CatalogFile    string
	CatalogRefresh time.Duration // zero disables periodic refresh

	// Rate-limit state backend.
	RateLimitBackend string // "memory", "redis" or "postgres"
	RateLimitTTL     time.Duration
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PostgresDSN      string

	// RoutingFile optionally overrides scoring, budgets and backoff.
	RoutingFile string

	AttemptRetention time.Duration

	// OpenTelemetry tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64

	// Temporal workflow engine for the attempt log.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

const (
	CatalogFromStore    = "store"
	CatalogFromFile     = "file"
	CatalogFromDefaults = "defaults"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("LLMPROXY_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("LLMPROXY_LOG_LEVEL", "info"),
		DBDSN:      getEnv("LLMPROXY_DB_DSN", "file:/data/llmproxy.sqlite"),
		DataDir:    getEnv("LLMPROXY_DATA_DIR", ""),

		AdminToken:    getEnv("LLMPROXY_ADMIN_TOKEN", ""),
		CallerTokens:  getEnv("LLMPROXY_CALLER_TOKENS", ""),
		CORSOrigins:   getEnvStringSlice("LLMPROXY_CORS_ORIGINS", nil),
		ThrottleRPS:   getEnvInt("LLMPROXY_THROTTLE_RPS", 60),
		ThrottleBurst: getEnvInt("LLMPROXY_THROTTLE_BURST", 120),

		IdempotencyTTL: getEnvDuration("LLMPROXY_IDEMPOTENCY_TTL", 10*time.Minute),

		CatalogSource:  getEnv("LLMPROXY_CATALOG_SOURCE", CatalogFromStore),
		CatalogFile:    getEnv("LLMPROXY_CATALOG_FILE", ""),
		CatalogRefresh: getEnvDuration("LLMPROXY_CATALOG_REFRESH", 0),

		RateLimitBackend: getEnv("LLMPROXY_RATELIMIT_BACKEND", BackendMemory),
		RateLimitTTL:     getEnvDuration("LLMPROXY_RATELIMIT_TTL", time.Hour),
		RedisAddr:        getEnv("LLMPROXY_REDIS_ADDR", ""),
		RedisPassword:    getEnv("LLMPROXY_REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("LLMPROXY_REDIS_DB", 0),
		PostgresDSN:      getEnv("LLMPROXY_POSTGRES_DSN", ""),

		RoutingFile:      getEnv("LLMPROXY_ROUTING_FILE", ""),
		AttemptRetention: getEnvDuration("LLMPROXY_ATTEMPT_RETENTION", 7*24*time.Hour),

		OTelEnabled:     getEnvBool("LLMPROXY_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("LLMPROXY_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("LLMPROXY_OTEL_SERVICE_NAME", "llmproxy"),
		OTelSampleRatio: getEnvFloat("LLMPROXY_OTEL_SAMPLE_RATIO", 1),

		TemporalEnabled:   getEnvBool("LLMPROXY_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("LLMPROXY_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("LLMPROXY_TEMPORAL_NAMESPACE", "llmproxy"),
		TemporalTaskQueue: getEnv("LLMPROXY_TEMPORAL_TASK_QUEUE", "llmproxy-attempts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	var errs []error
	if c.ThrottleRPS <= 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_THROTTLE_RPS must be > 0, got %d", c.ThrottleRPS))
	}
	if c.ThrottleBurst <= 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_THROTTLE_BURST must be > 0, got %d", c.ThrottleBurst))
	}
	if c.IdempotencyTTL < 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_IDEMPOTENCY_TTL must be >= 0, got %s", c.IdempotencyTTL))
	}
	switch c.CatalogSource {
	case CatalogFromStore, CatalogFromDefaults:
	case CatalogFromFile:
		if c.CatalogFile == "" {
			errs = append(errs, errors.New("LLMPROXY_CATALOG_FILE is required when LLMPROXY_CATALOG_SOURCE=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("LLMPROXY_CATALOG_SOURCE must be store, file or defaults, got %q", c.CatalogSource))
	}
	if c.CatalogRefresh < 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_CATALOG_REFRESH must be >= 0, got %s", c.CatalogRefresh))
	}
	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("LLMPROXY_REDIS_ADDR is required for the redis backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("LLMPROXY_POSTGRES_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("LLMPROXY_RATELIMIT_BACKEND must be memory, redis or postgres, got %q", c.RateLimitBackend))
	}
	if c.RateLimitTTL <= 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_RATELIMIT_TTL must be > 0, got %s", c.RateLimitTTL))
	}
	if c.AttemptRetention < 0 {
		errs = append(errs, fmt.Errorf("LLMPROXY_ATTEMPT_RETENTION must be >= 0, got %s", c.AttemptRetention))
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("LLMPROXY_OTEL_SAMPLE_RATIO must be within [0,1], got %g", c.OTelSampleRatio))
	}
	return errors.Join(errs...)
}

// ResolvedDataDir returns DataDir, or the directory of a file-backed DSN.
func (c Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	dsn := strings.TrimPrefix(c.DBDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

// Routing holds the tunables of analysis, selection and dispatch. Zero
// fields fall back to the package defaults.
type Routing struct {
	Analyzer router.AnalyzerConfig `yaml:"analyzer"`
	Budget   router.BudgetConfig   `yaml:"budget"`
	Selector router.SelectorConfig `yaml:"selector"`
	Executor router.ExecutorConfig `yaml:"executor"`
	Breaker  circuitbreaker.Policy `yaml:"circuit_breaker"`
	// RateLimitBackoff applies when a provider rate limits without saying
	// for how long.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
}

// LoadRouting reads a routing file. An empty path returns the zero value.
func LoadRouting(path string) (Routing, error) {
	var r Routing
	if path == "" {
		return r, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return r, fmt.Errorf("open routing file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Routing{}, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	return r, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
