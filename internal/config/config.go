package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "EPISODE_RATINGS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultStoreBackend      = StoreBackendSQLite
	defaultDatabasePath      = "episode-ratings.db"
	defaultLogLevel          = "info"
	defaultBangumiAPIURL     = "https://api.bgm.tv"
	defaultBangumiOAuthURL   = "https://bgm.tv"
	defaultBangumiRate       = 5.0
	defaultCouponTTLSeconds  = 10
	defaultAllowedOrigins    = "*"
	defaultMaxCommitAttempts = 32
)

const (
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	StoreBackend        string
	DatabasePath        string
	LogLevel            string
	BangumiAPIURL       string
	BangumiOAuthURL     string
	BangumiClientID     string
	BangumiClientSecret string
	BangumiRedirectURL  string
	BangumiRateLimit    float64
	StateSecret         string
	CouponTTL           time.Duration
	AllowedOrigins      []string
	MaxCommitAttempts   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.max_commit_attempts", defaultMaxCommitAttempts)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("bangumi.api_url", defaultBangumiAPIURL)
	configViper.SetDefault("bangumi.oauth_url", defaultBangumiOAuthURL)
	configViper.SetDefault("bangumi.requests_per_second", defaultBangumiRate)
	configViper.SetDefault("auth.coupon_ttl_seconds", defaultCouponTTLSeconds)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)

	// Keys without defaults still need binding so AutomaticEnv can resolve them.
	for _, key := range []string{
		"bangumi.client_id",
		"bangumi.client_secret",
		"bangumi.redirect_url",
		"auth.state_secret",
	} {
		if err := configViper.BindEnv(key); err != nil {
			panic(err)
		}
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		StoreBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		BangumiAPIURL:       configViper.GetString("bangumi.api_url"),
		BangumiOAuthURL:     configViper.GetString("bangumi.oauth_url"),
		BangumiClientID:     configViper.GetString("bangumi.client_id"),
		BangumiClientSecret: configViper.GetString("bangumi.client_secret"),
		BangumiRedirectURL:  configViper.GetString("bangumi.redirect_url"),
		BangumiRateLimit:    configViper.GetFloat64("bangumi.requests_per_second"),
		StateSecret:         configViper.GetString("auth.state_secret"),
		CouponTTL:           time.Duration(configViper.GetInt("auth.coupon_ttl_seconds")) * time.Second,
		AllowedOrigins:      splitOrigins(configViper.GetString("cors.allowed_origins")),
		MaxCommitAttempts:   configViper.GetInt("store.max_commit_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StateSecret) == "" {
		return fmt.Errorf("auth.state_secret is required")
	}
	switch c.StoreBackend {
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreBackendSQLite, StoreBackendMemory, c.StoreBackend)
	}
	if c.CouponTTL <= 0 {
		return fmt.Errorf("auth.coupon_ttl_seconds must be positive")
	}
	if c.MaxCommitAttempts <= 0 {
		return fmt.Errorf("store.max_commit_attempts must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
