package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides where the optional YAML file is read from.
const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// ErrStoreNotConfigured means the visit store has no usable credentials.
var ErrStoreNotConfigured = errors.New("visit store not configured")

// ErrInsecureProduction means a production config still relies on a
// development-only default for owner access.
var ErrInsecureProduction = errors.New("insecure production configuration")

// defaultJWTSecret is only acceptable outside production.
const defaultJWTSecret = "secret"

type Config struct {
	Port              string `koanf:"port" validate:"required,numeric"`
	DatabaseURL       string `koanf:"database_url"`
	DatabaseAuthToken string `koanf:"database_auth_token"`
	AppEnv            string `koanf:"app_env" validate:"oneof=local development staging production"`
	BaseURL           string `koanf:"base_url" validate:"omitempty,url"`

	LogLevel  string `koanf:"log_level" validate:"oneof=trace debug info warn warning error disabled"`
	LogFormat string `koanf:"log_format" validate:"oneof=json console"`

	VisitWindow    time.Duration `koanf:"visit_window" validate:"gt=0"`
	IPHashSalt     string        `koanf:"ip_hash_salt"`
	RecentVisitors int           `koanf:"recent_visitors" validate:"gte=1,lte=100"`

	GeoPrimaryURL      string        `koanf:"geo_primary_url" validate:"omitempty,url"`
	GeoFallbackURL     string        `koanf:"geo_fallback_url" validate:"omitempty,url"`
	GeoTimeout         time.Duration `koanf:"geo_timeout" validate:"gt=0"`
	GeoBreakerFailures uint32        `koanf:"geo_breaker_failures"`
	GeoBreakerTimeout  time.Duration `koanf:"geo_breaker_timeout"`

	TrackRateLimit int      `koanf:"track_rate_limit" validate:"gte=0"`
	CORSOrigins    []string `koanf:"cors_origins"`
	TrustProxy     bool     `koanf:"trust_proxy"`

	GoogleClientID     string   `koanf:"google_client_id"`
	GoogleClientSecret string   `koanf:"google_client_secret"`
	GoogleRedirectURL  string   `koanf:"google_redirect_url"`
	JWTSecret          string   `koanf:"jwt_secret"`
	FrontendURL        string   `koanf:"frontend_url"`
	AllowedEmails      []string `koanf:"allowed_emails"`
}

func defaultConfig() *Config {
	return &Config{
		Port:               "8080",
		DatabaseURL:        "file:visitors.db",
		AppEnv:             "local",
		BaseURL:            "http://localhost:8080",
		LogLevel:           "info",
		LogFormat:          "json",
		VisitWindow:        24 * time.Hour,
		RecentVisitors:     10,
		GeoPrimaryURL:      "https://ipapi.co",
		GeoFallbackURL:     "http://ip-api.com",
		GeoTimeout:         5 * time.Second,
		GeoBreakerFailures: 5,
		GeoBreakerTimeout:  time.Minute,
		TrackRateLimit:     30,
		CORSOrigins:        []string{"*"},
		GoogleRedirectURL:  "http://localhost:8080/auth/google/callback",
		JWTSecret:          defaultJWTSecret,
		FrontendURL:        "http://localhost:8080",
		AllowedEmails:      []string{},
	}
}

// Load reads .env, then layers defaults, an optional YAML file and the
// environment, in increasing priority.
func Load() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env not found (e.g. prod)

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !c.IsProduction() {
		return nil
	}
	// the admin view exposes origin hashes and user agents
	if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("%w: JWT_SECRET must be set to a non-default value", ErrInsecureProduction)
	}
	if len(c.AllowedEmails) == 0 {
		return fmt.Errorf("%w: ALLOWED_EMAILS must list the owner accounts", ErrInsecureProduction)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// StoreCredentials checks that the store can be opened at all. Remote
// libsql URLs need a token, either in the URL or in DATABASE_AUTH_TOKEN.
func (c *Config) StoreCredentials() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("%w: DATABASE_URL is empty", ErrStoreNotConfigured)
	}
	if !IsRemoteDatabase(c.DatabaseURL) || c.DatabaseAuthToken != "" {
		return nil
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreNotConfigured, err)
	}
	if u.Query().Get("authToken") == "" {
		return fmt.Errorf("%w: DATABASE_AUTH_TOKEN is required for %s", ErrStoreNotConfigured, u.Host)
	}
	return nil
}

func IsRemoteDatabase(dbURL string) bool {
	return strings.Contains(dbURL, "libsql://") || strings.Contains(dbURL, "wss://")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps environment variables to config keys. Anything else in the
// environment is ignored.
var envKeys = map[string]string{
	"PORT":                 "port",
	"DATABASE_URL":         "database_url",
	"DATABASE_AUTH_TOKEN":  "database_auth_token",
	"TURSO_AUTH_TOKEN":     "database_auth_token",
	"APP_ENV":              "app_env",
	"BASE_URL":             "base_url",
	"LOG_LEVEL":            "log_level",
	"LOG_FORMAT":           "log_format",
	"VISIT_WINDOW":         "visit_window",
	"IP_HASH_SALT":         "ip_hash_salt",
	"RECENT_VISITORS":      "recent_visitors",
	"GEO_PRIMARY_URL":      "geo_primary_url",
	"GEO_FALLBACK_URL":     "geo_fallback_url",
	"GEO_TIMEOUT":          "geo_timeout",
	"GEO_BREAKER_FAILURES": "geo_breaker_failures",
	"GEO_BREAKER_TIMEOUT":  "geo_breaker_timeout",
	"TRACK_RATE_LIMIT":     "track_rate_limit",
	"CORS_ORIGINS":         "cors_origins",
	"TRUST_PROXY":          "trust_proxy",
	"GOOGLE_CLIENT_ID":     "google_client_id",
	"GOOGLE_CLIENT_SECRET": "google_client_secret",
	"GOOGLE_REDIRECT_URL":  "google_redirect_url",
	"JWT_SECRET":           "jwt_secret",
	"FRONTEND_URL":         "frontend_url",
	"ALLOWED_EMAILS":       "allowed_emails",
}

func envTransformFunc(key string) string {
	return envKeys[key]
}

var sliceConfigPaths = []string{"cors_origins", "allowed_emails"}

// processSliceFields splits comma separated env values. YAML lists pass through.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
