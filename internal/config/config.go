// Package config loads and validates broker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-broker/internal/api"
	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/policy/access"
	"github.com/JakeFAU/crawl-broker/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-broker/internal/promotion"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
	"github.com/JakeFAU/crawl-broker/internal/server"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging"`
	Crawler   CrawlerConfig    `mapstructure:"crawler"`
	Server    server.Config    `mapstructure:"server"`
	Client    ClientConfig     `mapstructure:"client"`
	API       api.Config       `mapstructure:"api"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Access    access.Config    `mapstructure:"access"`
	// Promotion overrides the default candidate lists per mode.
	Promotion promotion.Tables `mapstructure:"promotion"`
}

// LoggingConfig toggles zap development features and the persisted error
// log of the scraping server.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	ErrorLog    string `mapstructure:"error_log"`
}

// CrawlerConfig holds fetch defaults.
type CrawlerConfig struct {
	// Settings apply to every descriptor that leaves a field unset.
	Settings    crawler.Settings `mapstructure:"settings"`
	DefaultMode crawler.Mode     `mapstructure:"default_mode"`
	UseFallback bool             `mapstructure:"use_fallback"`
	Adaptive    bool             `mapstructure:"adaptive"`
	// DetectShells escalates script-rendered pages to browser backends.
	DetectShells   bool `mapstructure:"detect_shells"`
	ShellThreshold int  `mapstructure:"shell_threshold"`
	// TimeoutSeconds is the request timeout used when a caller gives none.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// Browser is the Chrome executable. Empty searches PATH; when nothing
	// is found the browser backends are not registered.
	Browser string `mapstructure:"browser"`
}

// ClientConfig configures the scraping client.
type ClientConfig struct {
	ServerAddress         string        `mapstructure:"server_address"`
	MaxTransactionTimeout time.Duration `mapstructure:"max_transaction_timeout"`
}

// MetricsConfig sets where the serve command exposes Prometheus metrics.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Server.MaxFrameBytes == 0 {
		cfg.Server.MaxFrameBytes = protocol.FrameLimit(cfg.Crawler.Settings.MaxBytes)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.error_log", "")
	v.SetDefault("crawler.settings.max_bytes", 10<<20)
	v.SetDefault("crawler.settings.user_agent", "crawl-broker/1.0")
	v.SetDefault("crawler.settings.accepted_types", []string{})
	v.SetDefault("crawler.default_mode", string(crawler.ModeStandard))
	v.SetDefault("crawler.use_fallback", true)
	v.SetDefault("crawler.adaptive", false)
	v.SetDefault("crawler.detect_shells", false)
	v.SetDefault("crawler.shell_threshold", 2048)
	v.SetDefault("crawler.browser", "")
	v.SetDefault("crawler.timeout_seconds", int(crawler.DefaultTimeout/time.Second))
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", server.DefaultPort)
	v.SetDefault("server.grace", "10s")
	v.SetDefault("server.poll_interval", "1s")
	v.SetDefault("server.exit_settle", "1s")
	v.SetDefault("server.linger_after_response", "5s")
	v.SetDefault("server.work_max_age", "1h")
	v.SetDefault("server.default_crawler", "")
	v.SetDefault("server.max_concurrent_crawls", 0)
	v.SetDefault("server.max_frame_bytes", 0)
	v.SetDefault("client.server_address", fmt.Sprintf("127.0.0.1:%d", server.DefaultPort))
	v.SetDefault("client.max_transaction_timeout", "0s")
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.cache_ttl", "10m")
	v.SetDefault("api.handler_timeout", "2m")
	v.SetDefault("api.default_mode", string(crawler.ModeStandard))
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("rate_limit.default_rps", 0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("access.blocked_domains", []string{})
	v.SetDefault("access.respect_robots", false)
	v.SetDefault("access.user_agent", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if !c.Crawler.DefaultMode.Valid() {
		return fmt.Errorf("crawler.default_mode %q is not a known mode", c.Crawler.DefaultMode)
	}
	if c.API.DefaultMode != "" && !c.API.DefaultMode.Valid() {
		return fmt.Errorf("api.default_mode %q is not a known mode", c.API.DefaultMode)
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.Settings.MaxBytes < 0 {
		return fmt.Errorf("crawler.settings.max_bytes must be >= 0")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.default_rps must be >= 0")
	}
	for mode, list := range c.Promotion {
		if !mode.Valid() {
			return fmt.Errorf("promotion: unknown mode %q", mode)
		}
		for i, desc := range list {
			if strings.TrimSpace(desc.Name) == "" {
				return fmt.Errorf("promotion.%s[%d]: name is required", mode, i)
			}
		}
	}
	return nil
}

// Tables returns the promotion tables with crawler.settings filled into
// every descriptor field left unset. Without overrides the default order
// is used.
func (c Config) Tables() promotion.Tables {
	if len(c.Promotion) == 0 {
		return promotion.DefaultTables(c.Crawler.Settings)
	}
	out := make(promotion.Tables, len(c.Promotion))
	for mode, list := range c.Promotion {
		descs := make([]crawler.CrawlerDescriptor, 0, len(list))
		for _, desc := range list {
			desc.Settings = MergeSettings(c.Crawler.Settings, desc.Settings)
			descs = append(descs, desc)
		}
		out[mode] = descs
	}
	return out
}

// Options returns the fetch options built from the crawler defaults.
func (c Config) Options() crawler.FetchOptions {
	opts := crawler.DefaultOptions()
	opts.Mode = c.Crawler.DefaultMode
	opts.UseFallback = c.Crawler.UseFallback
	return opts
}

// MergeSettings returns override with every zero field taken from base.
func MergeSettings(base, override crawler.Settings) crawler.Settings {
	out := override
	if out.Executable == "" {
		out.Executable = base.Executable
	}
	if out.Script == "" {
		out.Script = base.Script
	}
	if out.RemoteServer == "" {
		out.RemoteServer = base.RemoteServer
	}
	if out.MaxBytes == 0 {
		out.MaxBytes = base.MaxBytes
	}
	if len(out.AcceptedTypes) == 0 {
		out.AcceptedTypes = base.AcceptedTypes
	}
	if out.UserAgent == "" {
		out.UserAgent = base.UserAgent
	}
	if !out.Headless {
		out.Headless = base.Headless
	}
	if out.Timeout == 0 {
		out.Timeout = base.Timeout
	}
	if out.OutputDir == "" {
		out.OutputDir = base.OutputDir
	}
	return out
}
