// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

// DefaultUserAgent is a current desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Authentication
	APIPassword string

	// Outbound proxy settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute

	// Logging
	LogLevel string
	LogJSON  bool

	// Identity presented to upstream hosts
	UserAgent  string
	AppReferer string

	// Provider hosts
	EmbedBaseURL    string
	AltEmbedBaseURL string
	PlayerBaseURL   string

	// Chain walking
	HopTimeout time.Duration
	HopRate    float64
	HopBurst   int

	// Playback proxy
	ProxyTimeout     time.Duration
	ProxyPath        string
	ManifestMaxBytes int64

	// Resolution
	ResolveCacheTTL   time.Duration
	ResolveCacheSize  int
	ResolveRateLimit  int
	ResolveTimeout    time.Duration
	ProbeCandidates   bool
	DecoderPreferLast bool

	// Placeholders overrides the built-in placeholder table by token name.
	Placeholders []types.PlaceholderToken
}

// TransportRoute defines URL-specific proxy routing.
type TransportRoute struct {
	URLPattern string `yaml:"url"`
	Proxy      string `yaml:"proxy"`
	DisableSSL bool   `yaml:"disable_ssl"`
	Direct     bool   `yaml:"direct"` // If true, bypass global proxy and connect directly
}

// fileConfig is the YAML layout read from CONFIG_FILE.
type fileConfig struct {
	Port       int    `yaml:"port"`
	BaseURL    string `yaml:"base_url"`
	LogLevel   string `yaml:"log_level"`
	UserAgent  string `yaml:"user_agent"`
	AppReferer string `yaml:"app_referer"`

	Providers struct {
		EmbedBaseURL    string `yaml:"embed_base_url"`
		AltEmbedBaseURL string `yaml:"alt_embed_base_url"`
		PlayerBaseURL   string `yaml:"player_base_url"`
	} `yaml:"providers"`

	HopTimeout   time.Duration `yaml:"hop_timeout"`
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`

	GlobalProxies   []string                 `yaml:"global_proxies"`
	TransportRoutes []TransportRoute         `yaml:"transport_routes"`
	Placeholders    []types.PlaceholderToken `yaml:"placeholders"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:             7860,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     120 * time.Second,
		IdleTimeout:      60 * time.Second,
		LogLevel:         "info",
		UserAgent:        DefaultUserAgent,
		AppReferer:       "https://vidsrc-embed.ru/",
		EmbedBaseURL:     "https://vidsrc-embed.ru",
		AltEmbedBaseURL:  "https://vidsrc.xyz",
		PlayerBaseURL:    "https://cloudnestra.com",
		HopTimeout:       15 * time.Second,
		HopRate:          5,
		HopBurst:         5,
		ProxyTimeout:     30 * time.Second,
		ProxyPath:        "/proxy",
		ManifestMaxBytes: 5 << 20,
		ResolveCacheTTL:  5 * time.Minute,
		ResolveCacheSize: 256,
		ResolveRateLimit: 30,
		ResolveTimeout:   time.Minute,
	}
}

// Load reads configuration from CONFIG_FILE (if set) and then from
// environment variables. Environment values take precedence over the file.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
	}

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", cfg.BaseURL), "/")
	cfg.ReadTimeout = getEnvDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.APIPassword = getEnvString("API_PASSWORD", cfg.APIPassword)
	cfg.GlobalProxies = getEnvStringSlice("GLOBAL_PROXIES", cfg.GlobalProxies)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getEnvBool("LOG_JSON", cfg.LogJSON)
	cfg.UserAgent = getEnvString("USER_AGENT", cfg.UserAgent)
	cfg.AppReferer = getEnvString("APP_REFERER", cfg.AppReferer)
	cfg.EmbedBaseURL = strings.TrimRight(getEnvString("EMBED_BASE_URL", cfg.EmbedBaseURL), "/")
	cfg.AltEmbedBaseURL = strings.TrimRight(getEnvString("ALT_EMBED_BASE_URL", cfg.AltEmbedBaseURL), "/")
	cfg.PlayerBaseURL = strings.TrimRight(getEnvString("PLAYER_BASE_URL", cfg.PlayerBaseURL), "/")
	cfg.HopTimeout = getEnvDuration("HOP_TIMEOUT", cfg.HopTimeout)
	cfg.HopRate = getEnvFloat("HOP_RATE", cfg.HopRate)
	cfg.HopBurst = getEnvInt("HOP_BURST", cfg.HopBurst)
	cfg.ProxyTimeout = getEnvDuration("PROXY_TIMEOUT", cfg.ProxyTimeout)
	cfg.ProxyPath = getEnvString("PROXY_PATH", cfg.ProxyPath)
	cfg.ManifestMaxBytes = int64(getEnvInt("MANIFEST_MAX_BYTES", int(cfg.ManifestMaxBytes)))
	cfg.ResolveCacheTTL = getEnvDuration("RESOLVE_CACHE_TTL", cfg.ResolveCacheTTL)
	cfg.ResolveCacheSize = getEnvInt("RESOLVE_CACHE_SIZE", cfg.ResolveCacheSize)
	cfg.ResolveRateLimit = getEnvInt("RESOLVE_RATE_LIMIT", cfg.ResolveRateLimit)
	cfg.ResolveTimeout = getEnvDuration("RESOLVE_TIMEOUT", cfg.ResolveTimeout)
	cfg.ProbeCandidates = getEnvBool("PROBE_CANDIDATES", cfg.ProbeCandidates)
	cfg.DecoderPreferLast = getEnvBool("DECODER_PREFER_LAST", cfg.DecoderPreferLast)

	if routes := parseTransportRoutes(os.Getenv("TRANSPORT_ROUTES")); routes != nil {
		cfg.TransportRoutes = routes
	}

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile parses a YAML configuration file.
func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.BaseURL != "" {
		cfg.BaseURL = fc.BaseURL
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.UserAgent != "" {
		cfg.UserAgent = fc.UserAgent
	}
	if fc.AppReferer != "" {
		cfg.AppReferer = fc.AppReferer
	}
	if fc.Providers.EmbedBaseURL != "" {
		cfg.EmbedBaseURL = fc.Providers.EmbedBaseURL
	}
	if fc.Providers.AltEmbedBaseURL != "" {
		cfg.AltEmbedBaseURL = fc.Providers.AltEmbedBaseURL
	}
	if fc.Providers.PlayerBaseURL != "" {
		cfg.PlayerBaseURL = fc.Providers.PlayerBaseURL
	}
	if fc.HopTimeout > 0 {
		cfg.HopTimeout = fc.HopTimeout
	}
	if fc.ProxyTimeout > 0 {
		cfg.ProxyTimeout = fc.ProxyTimeout
	}
	if len(fc.GlobalProxies) > 0 {
		cfg.GlobalProxies = fc.GlobalProxies
	}
	if len(fc.TransportRoutes) > 0 {
		cfg.TransportRoutes = fc.TransportRoutes
	}
	cfg.Placeholders = append(cfg.Placeholders, fc.Placeholders...)
}

// Validate checks values that would otherwise fail later at request time.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	for name, raw := range map[string]string{
		"embed_base_url":  c.EmbedBaseURL,
		"player_base_url": c.PlayerBaseURL,
	} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute url", name, raw))
		}
	}
	// An empty base url keeps proxy links root-relative to the serving host.
	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url %q is not an absolute url", c.BaseURL))
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.ProxyPath, "/") {
		errs = append(errs, fmt.Errorf("proxy path %q must start with /", c.ProxyPath))
	}
	if c.HopTimeout <= 0 || c.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("hop and proxy timeouts must be positive"))
	}
	for _, tok := range c.Placeholders {
		if tok.Name == "" {
			errs = append(errs, errors.New("placeholder token without a name"))
		}
	}
	return errors.Join(errs...)
}

// parseTransportRoutes parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	s = strings.TrimSpace(s)

	parts := strings.Split(s, "}, {")
	for _, part := range parts {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		fields := strings.Split(part, ", ")
		for _, field := range fields {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])

			switch strings.ToUpper(key) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.ToLower(value) == "true"
			case "DIRECT":
				route.Direct = strings.ToLower(value) == "true"
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Try parsing as seconds first
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
