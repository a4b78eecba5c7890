// Package config loads service configuration from defaults, an optional YAML
// file, .env files, and the process environment (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIBaseURL      = "https://mybusiness.googleapis.com"
	DefaultTokenRefreshURL = "https://hheqsfm21f.execute-api.us-west-2.amazonaws.com/v1/token-refresh"
	DefaultPostType        = "listing"
)

// Config holds every runtime setting of the service.
type Config struct {
	Host   string `yaml:"host"`
	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	AdminPassword string        `yaml:"admin_password"`
	NonceSecret   string        `yaml:"nonce_secret"`
	NonceTTL      time.Duration `yaml:"-"`

	APIBaseURL      string `yaml:"api_base_url"`
	TokenRefreshURL string `yaml:"token_refresh_url"`

	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`

	// Locale is the BCP 47 tag sent as languageCode on every local post.
	Locale string `yaml:"locale"`
	// PostType selects which listing rows feed the auto-post candidate flow.
	PostType string `yaml:"post_type"`

	PollInterval time.Duration `yaml:"-"`
	HTTPTimeout  time.Duration `yaml:"-"`
	FetchRetries int           `yaml:"fetch_retries"`
}

// fileConfig mirrors Config with durations as strings, the way they are written in YAML.
type fileConfig struct {
	Config       `yaml:",inline"`
	NonceTTL     string `yaml:"nonce_ttl"`
	PollInterval string `yaml:"poll_interval"`
	HTTPTimeout  string `yaml:"http_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            "8080",
		DBPath:          "gmbposter.db",
		LogLevel:        "info",
		LogFormat:       "text",
		NonceTTL:        24 * time.Hour,
		APIBaseURL:      DefaultAPIBaseURL,
		TokenRefreshURL: DefaultTokenRefreshURL,
		Locale:          "en-US",
		PostType:        DefaultPostType,
		PollInterval:    time.Minute,
		HTTPTimeout:     30 * time.Second,
		FetchRetries:    2,
	}
}

// Load builds the configuration. .env files never override variables already
// present in the process environment.
func Load() (Config, error) {
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := Default()

	path, err := resolveConfigPath()
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	tag, err := language.Parse(c.Locale)
	if err != nil {
		return fmt.Errorf("invalid locale %q: %w", c.Locale, err)
	}
	c.Locale = tag.String()

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("nonce ttl must be positive, got %s", c.NonceTTL)
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if strings.TrimSpace(c.PostType) == "" {
		c.PostType = DefaultPostType
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// UseDirectOAuth reports whether refresh tokens should be exchanged directly
// with Google instead of through the token relay.
func (c Config) UseDirectOAuth() bool {
	return strings.TrimSpace(c.GoogleClientID) != "" && strings.TrimSpace(c.GoogleClientSecret) != ""
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{fc.NonceTTL, &fc.Config.NonceTTL, "nonce_ttl"},
		{fc.PollInterval, &fc.Config.PollInterval, "poll_interval"},
		{fc.HTTPTimeout, &fc.Config.HTTPTimeout, "http_timeout"},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("config file %q: invalid %s: %w", path, d.name, err)
		}
		*d.target = parsed
	}

	*cfg = fc.Config
	return nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("GMB_CONFIG_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"gmbposter.yaml",
		"config/gmbposter.yaml",
		"/etc/gmbposter/gmbposter.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "gmbposter", "gmbposter.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, "HOST")
	setString(&cfg.Port, "PORT")
	setString(&cfg.DBPath, "GMB_DB_PATH")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.AdminPassword, "GMB_ADMIN_PASSWORD")
	setString(&cfg.NonceSecret, "GMB_NONCE_SECRET")
	setString(&cfg.APIBaseURL, "GMB_API_BASE_URL")
	setString(&cfg.TokenRefreshURL, "GMB_TOKEN_REFRESH_URL")
	setString(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Locale, "GMB_LOCALE")
	setString(&cfg.PostType, "GMB_POST_TYPE")
	setDuration(&cfg.NonceTTL, "GMB_NONCE_TTL")
	setDuration(&cfg.PollInterval, "GMB_POLL_INTERVAL")
	setDuration(&cfg.HTTPTimeout, "GMB_HTTP_TIMEOUT")
	setInt(&cfg.FetchRetries, "GMB_FETCH_RETRIES")
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setDuration(target *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			*target = parsed
		}
	}
}

func setInt(target *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}
