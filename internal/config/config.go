// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/image-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host metrics.
var reservedRoutes = []string{"/img", "/proxy", "/healthz", "/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Fetch   FetchConfig   `toml:"fetch"`
	Extract ExtractConfig `toml:"extract"`
	Rewrite RewriteConfig `toml:"rewrite"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"` // 0 means "use default" (3000)
	ReadTimeoutSeconds int    `toml:"read_timeout_seconds"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
	CORS               *bool  `toml:"cors"` // nil means enabled
}

// FetchConfig holds settings for outbound page and image requests.
type FetchConfig struct {
	PageTimeoutSeconds  int    `toml:"page_timeout_seconds"`
	ImageTimeoutSeconds int    `toml:"image_timeout_seconds"`
	InsecureSkipVerify  *bool  `toml:"insecure_skip_verify"` // nil means true
	IdleConnections     int    `toml:"idle_connections"`
	MaxPageBytes        int64  `toml:"max_page_bytes"`
	UserAgent           string `toml:"user_agent"` // sent only when the client supplies none
}

// ExtractConfig holds HTML parsing pool settings.
type ExtractConfig struct {
	Workers int `toml:"workers"` // 0 means GOMAXPROCS
}

// RewriteConfig holds per-host page URL rewrites.
type RewriteConfig struct {
	Hosts     map[string]string `toml:"hosts"`
	RulesPath string            `toml:"rules_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/image-proxy/config.toml then configs/config.toml; if neither exists the
// defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_timeout_seconds must be non-negative; got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("server.idle_timeout_seconds must be non-negative; got %d", c.Server.IdleTimeoutSeconds)
	}
	if c.Fetch.PageTimeoutSeconds < 0 {
		return fmt.Errorf("fetch.page_timeout_seconds must be non-negative; got %d", c.Fetch.PageTimeoutSeconds)
	}
	if c.Fetch.ImageTimeoutSeconds < 0 {
		return fmt.Errorf("fetch.image_timeout_seconds must be non-negative; got %d", c.Fetch.ImageTimeoutSeconds)
	}
	if c.Fetch.IdleConnections < 0 {
		return fmt.Errorf("fetch.idle_connections must be non-negative; got %d", c.Fetch.IdleConnections)
	}
	if c.Fetch.MaxPageBytes < 0 {
		return fmt.Errorf("fetch.max_page_bytes must be non-negative; got %d", c.Fetch.MaxPageBytes)
	}
	if c.Extract.Workers < 0 {
		return fmt.Errorf("extract.workers must be non-negative; got %d", c.Extract.Workers)
	}

	for host, path := range c.Rewrite.Hosts {
		if strings.TrimSpace(host) == "" || strings.TrimSpace(path) == "" {
			return fmt.Errorf("rewrite.hosts entries need a host and a path; got %q = %q", host, path)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Server.CORS == nil {
		c.Server.CORS = boolPtr(true)
	}
	if c.Fetch.PageTimeoutSeconds == 0 {
		c.Fetch.PageTimeoutSeconds = 5
	}
	if c.Fetch.ImageTimeoutSeconds == 0 {
		c.Fetch.ImageTimeoutSeconds = 30
	}
	if c.Fetch.InsecureSkipVerify == nil {
		c.Fetch.InsecureSkipVerify = boolPtr(true)
	}
	if c.Fetch.IdleConnections == 0 {
		c.Fetch.IdleConnections = 100
	}
	if c.Fetch.MaxPageBytes == 0 {
		c.Fetch.MaxPageBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool { return &b }

// CORSEnabled reports whether the any-origin CORS middleware is installed.
func (c *ServerConfig) CORSEnabled() bool {
	return c.CORS == nil || *c.CORS
}

// SkipTLSVerify reports whether upstream TLS certificates are left unverified.
func (c *FetchConfig) SkipTLSVerify() bool {
	return c.InsecureSkipVerify == nil || *c.InsecureSkipVerify
}

// RewriteTable merges rewrite.hosts with the rules file, if any. Entries from
// the rules file win over inline ones for the same host.
func (c *Config) RewriteTable(loadRules func(string) (map[string]string, error)) (map[string]string, error) {
	table := make(map[string]string, len(c.Rewrite.Hosts))
	for host, path := range c.Rewrite.Hosts {
		table[host] = path
	}
	if c.Rewrite.RulesPath == "" {
		return table, nil
	}
	rules, err := loadRules(c.Rewrite.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("config: rewrite rules: %w", err)
	}
	for host, path := range rules {
		table[host] = path
	}
	return table, nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		} else if !errors.Is(err, fs.ErrNotExist) {
			// Unreadable candidates are returned so Load reports the real error.
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FilePath returns the config file that was loaded, or empty when defaults were used.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
