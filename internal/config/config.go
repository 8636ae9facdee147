package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	KVBackend    string
	KVURL        string
	KVToken      string
	KVSQLitePath string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	OpenAITimeout time.Duration

	BlobToken  string
	BlobAPIURL string

	CRMAPIKey     string
	CRMLocationID string
	CRMBaseURL    string

	LettersWebhookURL string

	RedirectBaseURL        string
	RedirectFundableURL    string
	RedirectNotFundableURL string
	AffiliateEnabled       bool
	AffiliateTemplate      string

	IdentityVerification bool
	CronSecret           string
	PublicURL            string
	CORSOrigins          []string

	RateLimitRPS   float64
	RateLimitBurst int
	WorkerInterval time.Duration
}

// Load reads configuration from the environment, after merging an optional
// .env file. Variables already set in the environment win over .env values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:             getEnv("LISTEN_ADDR", ":8080"),
		KVBackend:              strings.ToLower(getEnv("KV_BACKEND", BackendRedis)),
		KVURL:                  getEnv("KV_URL", ""),
		KVToken:                getEnv("KV_TOKEN", ""),
		KVSQLitePath:           getEnv("KV_SQLITE_PATH", "fundgate.db"),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:            getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		BlobToken:              getEnv("BLOB_READ_WRITE_TOKEN", ""),
		BlobAPIURL:             getEnv("BLOB_API_URL", "https://blob.vercel-storage.com"),
		CRMAPIKey:              getEnv("CRM_API_KEY", ""),
		CRMLocationID:          getEnv("CRM_LOCATION_ID", ""),
		CRMBaseURL:             getEnv("CRM_BASE_URL", "https://services.leadconnectorhq.com"),
		LettersWebhookURL:      getEnv("LETTERS_WEBHOOK_URL", ""),
		RedirectBaseURL:        strings.TrimRight(getEnv("REDIRECT_BASE_URL", "http://localhost:3000"), "/"),
		RedirectFundableURL:    getEnv("REDIRECT_URL_FUNDABLE", ""),
		RedirectNotFundableURL: getEnv("REDIRECT_URL_NOT_FUNDABLE", ""),
		AffiliateTemplate:      getEnv("AFFILIATE_LINK_TEMPLATE", ""),
		CronSecret:             getEnv("CRON_SECRET", ""),
		PublicURL:              strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),
	}

	var missing []string
	need := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}
	need("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	need("BLOB_READ_WRITE_TOKEN", cfg.BlobToken)
	need("CRM_API_KEY", cfg.CRMAPIKey)
	need("CRM_LOCATION_ID", cfg.CRMLocationID)
	kvMissing, err := cfg.checkKV()
	if err != nil {
		return nil, err
	}
	missing = append(missing, kvMissing...)
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	timeoutMS, err := getEnvInt("OPENAI_TIMEOUT", 90000)
	if err != nil {
		return nil, fmt.Errorf("OPENAI_TIMEOUT: %w", err)
	}
	if timeoutMS <= 0 {
		return nil, errors.New("OPENAI_TIMEOUT must be > 0")
	}
	cfg.OpenAITimeout = time.Duration(timeoutMS) * time.Millisecond

	if cfg.AffiliateEnabled, err = getEnvBool("AFFILIATE_DASHBOARD_ENABLED", false); err != nil {
		return nil, fmt.Errorf("AFFILIATE_DASHBOARD_ENABLED: %w", err)
	}
	if cfg.IdentityVerification, err = getEnvBool("IDENTITY_VERIFICATION_ENABLED", true); err != nil {
		return nil, fmt.Errorf("IDENTITY_VERIFICATION_ENABLED: %w", err)
	}

	if cfg.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", 2); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", 5); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}
	if cfg.RateLimitRPS < 0 || cfg.RateLimitBurst < 0 {
		return nil, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be >= 0")
	}

	if cfg.WorkerInterval, err = getEnvDuration("WORKER_INTERVAL", 0); err != nil {
		return nil, fmt.Errorf("WORKER_INTERVAL: %w", err)
	}

	if cfg.LogLevel, err = parseLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	if origins := getEnv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, nil
}

// LoadKV reads only the KV settings. Operator tools that never reach the
// model, blob or CRM services use it.
func LoadKV() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{
		KVBackend:    strings.ToLower(getEnv("KV_BACKEND", BackendRedis)),
		KVURL:        getEnv("KV_URL", ""),
		KVToken:      getEnv("KV_TOKEN", ""),
		KVSQLitePath: getEnv("KV_SQLITE_PATH", "fundgate.db"),
	}
	missing, err := cfg.checkKV()
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func (c *Config) checkKV() ([]string, error) {
	var missing []string
	switch c.KVBackend {
	case BackendRedis:
		if c.KVURL == "" {
			missing = append(missing, "KV_URL")
		}
		if c.KVToken == "" {
			missing = append(missing, "KV_TOKEN")
		}
	case BackendSQLite:
		if c.KVSQLitePath == "" {
			missing = append(missing, "KV_SQLITE_PATH")
		}
	default:
		return nil, fmt.Errorf("KV_BACKEND %q must be one of: redis, sqlite", c.KVBackend)
	}
	return missing, nil
}

// CallbackURL is where the blob service posts upload-completed events.
func (c *Config) CallbackURL() string {
	base := c.PublicURL
	if base == "" {
		base = c.RedirectBaseURL
	}
	return base + "/blob-upload"
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", s)
	}
	return lvl, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
