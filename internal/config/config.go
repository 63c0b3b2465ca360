package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left unset.
const (
	DefaultAddr             = ":8080"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 90 * time.Second
	DefaultMaxBodyBytes     = 10 << 20

	// DefaultWidgetURL is served by the relay itself from widget_file.
	// Relative paths outside the reserved prefix would reach the developer's
	// service instead.
	DefaultWidgetURL = ReservedPrefix + "widget.js"
	ReservedPrefix   = "/__mirage/"
)

// RelayConfig represents the relay server configuration.
type RelayConfig struct {
	Addr             string        `yaml:"addr"`
	BaseDomain       string        `yaml:"base_domain"`
	RequestTimeout   Duration      `yaml:"request_timeout"`
	HandshakeTimeout Duration      `yaml:"handshake_timeout"`
	IdleTimeout      Duration      `yaml:"idle_timeout"` // agent silence before its session is closed
	WidgetURL        string        `yaml:"widget_url"`
	WidgetFile       string        `yaml:"widget_file"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	RateLimit        float64       `yaml:"rate_limit"` // requests/sec per session, 0 disables
	RateBurst        int           `yaml:"rate_burst"`
	Logging          LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Override adjusts a loaded config before defaults and validation run.
// Command-line flags are applied this way.
type Override func(*RelayConfig)

// Load reads configuration from path. A missing file is not an error: the
// defaults plus environment overrides are used instead. Precedence is
// overrides, then environment, then file.
func Load(path string, overrides ...Override) (*RelayConfig, error) {
	var cfg RelayConfig
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Override with environment variables if present.
func (c *RelayConfig) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("PORT: %q is not a number", port)
		}
		c.Addr = ":" + port
	}
	if domain := os.Getenv("MIRAGE_BASE_DOMAIN"); domain != "" {
		c.BaseDomain = domain
	}
	if v := os.Getenv("MIRAGE_REQUEST_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("MIRAGE_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = Duration(d)
	}
	if widget := os.Getenv("MIRAGE_WIDGET_URL"); widget != "" {
		c.WidgetURL = widget
	}
	if file := os.Getenv("MIRAGE_WIDGET_FILE"); file != "" {
		c.WidgetFile = file
	}
	if level := os.Getenv("MIRAGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

func (c *RelayConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.WidgetURL == "" {
		c.WidgetURL = DefaultWidgetURL
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.BaseDomain = strings.ToLower(strings.Trim(strings.TrimSpace(c.BaseDomain), "."))
}

// Validate checks if the configuration is valid
func (c *RelayConfig) Validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("base_domain is required")
	}
	if strings.ContainsAny(c.BaseDomain, ":/ ") {
		return fmt.Errorf("base_domain must be a bare domain name, got %q", c.BaseDomain)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst must not be negative")
	}
	u, err := url.Parse(c.WidgetURL)
	if err != nil {
		return fmt.Errorf("widget_url: %w", err)
	}
	if u.Host == "" && !strings.HasPrefix(u.Path, ReservedPrefix) {
		return fmt.Errorf("widget_url %q would be proxied to the developer's service; use an absolute URL or a path under %s", c.WidgetURL, ReservedPrefix)
	}
	if c.WidgetFile != "" {
		if _, err := os.Stat(c.WidgetFile); err != nil {
			return fmt.Errorf("widget_file: %w", err)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
