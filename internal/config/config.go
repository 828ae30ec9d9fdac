package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TABULAXY"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "tabulaxy.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultLocale             = "tr"
	defaultMinWords           = 100
	defaultCacheMaxSize       = 15000
	defaultRefillThreshold    = 50
	defaultFetchBatchSize     = 20
	defaultPreloadLimit       = 50000
	defaultSessionRetention   = 7 * 24 * time.Hour
	defaultMaintenanceSpec    = "@hourly"
	defaultAllowedOriginsSpec = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	LogLevel  string
	LogFormat string

	DatabasePath     string
	DatabaseSeedPath string
	DatabaseWorkDir  string

	WordsPath string
	Locale    string
	MinWords  int

	CacheMaxSize         int
	CacheRefillThreshold int
	FetchBatchSize       int
	PreloadLimit         int

	SessionRetention    time.Duration
	MaintenanceSchedule string
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginsSpec)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.seed_path", "")
	configViper.SetDefault("database.work_dir", "")
	configViper.SetDefault("content.words_path", "")
	configViper.SetDefault("content.locale", defaultLocale)
	configViper.SetDefault("content.min_words", defaultMinWords)
	configViper.SetDefault("cache.max_size", defaultCacheMaxSize)
	configViper.SetDefault("cache.refill_threshold", defaultRefillThreshold)
	configViper.SetDefault("cache.fetch_batch_size", defaultFetchBatchSize)
	configViper.SetDefault("cache.preload_limit", defaultPreloadLimit)
	configViper.SetDefault("session.retention", defaultSessionRetention)
	configViper.SetDefault("maintenance.schedule", defaultMaintenanceSpec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitList(configViper.GetString("http.allowed_origins")),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseSeedPath:     configViper.GetString("database.seed_path"),
		DatabaseWorkDir:      configViper.GetString("database.work_dir"),
		WordsPath:            configViper.GetString("content.words_path"),
		Locale:               strings.ToLower(strings.TrimSpace(configViper.GetString("content.locale"))),
		MinWords:             configViper.GetInt("content.min_words"),
		CacheMaxSize:         configViper.GetInt("cache.max_size"),
		CacheRefillThreshold: configViper.GetInt("cache.refill_threshold"),
		FetchBatchSize:       configViper.GetInt("cache.fetch_batch_size"),
		PreloadLimit:         configViper.GetInt("cache.preload_limit"),
		SessionRetention:     configViper.GetDuration("session.retention"),
		MaintenanceSchedule:  strings.TrimSpace(configViper.GetString("maintenance.schedule")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.Locale != "tr" && c.Locale != "en" {
		return fmt.Errorf("content.locale must be tr or en, got %q", c.Locale)
	}
	for key, value := range map[string]int{
		"content.min_words":      c.MinWords,
		"cache.max_size":         c.CacheMaxSize,
		"cache.refill_threshold": c.CacheRefillThreshold,
		"cache.fetch_batch_size": c.FetchBatchSize,
		"cache.preload_limit":    c.PreloadLimit,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.CacheRefillThreshold >= c.CacheMaxSize {
		return fmt.Errorf("cache.refill_threshold must be below cache.max_size")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("session.retention must be positive")
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			return fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
