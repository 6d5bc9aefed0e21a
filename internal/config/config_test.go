package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
	"github.com/JakeFAU/crawl-broker/internal/promotion"
	"github.com/JakeFAU/crawl-broker/internal/protocol"
	"github.com/JakeFAU/crawl-broker/internal/server"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
  error_log: /var/log/broker-errors.log
crawler:
  default_mode: headless
  adaptive: true
  timeout_seconds: 45
  settings:
    max_bytes: 2048
    user_agent: real-agent
    accepted_types: [html, xml]
server:
  port: 6007
  grace: 3s
client:
  server_address: scraper:6007
  max_transaction_timeout: 90s
api:
  cache_ttl: 30s
  api_key: secret
rate_limit:
  default_rps: 2.5
  default_burst: 3
promotion:
  standard:
    - name: plain
      backend: requests
    - name: script
      backend: script
      settings:
        executable: /usr/bin/python3
        script: crawl.py
        max_bytes: 99
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Development || cfg.Logging.ErrorLog != "/var/log/broker-errors.log" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Crawler.DefaultMode != crawler.ModeHeadless || !cfg.Crawler.Adaptive || cfg.Crawler.TimeoutSeconds != 45 {
		t.Fatalf("expected crawler overrides, got %+v", cfg.Crawler)
	}
	if cfg.Server.Port != 6007 || cfg.Server.Grace != 3*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Client.ServerAddress != "scraper:6007" || cfg.Client.MaxTransactionTimeout != 90*time.Second {
		t.Fatalf("expected client overrides, got %+v", cfg.Client)
	}
	if cfg.API.CacheTTL != 30*time.Second || cfg.API.APIKey != "secret" {
		t.Fatalf("expected api overrides, got %+v", cfg.API)
	}
	if cfg.RateLimit.DefaultRPS != 2.5 || cfg.RateLimit.DefaultBurst != 3 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.RateLimit)
	}

	tables := cfg.Tables()
	list := tables[crawler.ModeStandard]
	if len(list) != 2 {
		t.Fatalf("expected 2 standard descriptors, got %+v", list)
	}
	if list[0].Settings.UserAgent != "real-agent" || list[0].Settings.MaxBytes != 2048 {
		t.Fatalf("expected defaults merged into plain descriptor: %+v", list[0].Settings)
	}
	scriptDesc := list[1]
	if scriptDesc.BackendName() != "script" || scriptDesc.Settings.Executable != "/usr/bin/python3" ||
		scriptDesc.Settings.Script != "crawl.py" || scriptDesc.Settings.MaxBytes != 99 {
		t.Fatalf("expected script descriptor overrides: %+v", scriptDesc)
	}
	if _, ok := tables[crawler.ModeFull]; ok {
		t.Fatalf("expected only configured modes, got %v", tables)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != server.DefaultPort {
		t.Fatalf("expected default port %d, got %d", server.DefaultPort, cfg.Server.Port)
	}
	if cfg.Crawler.DefaultMode != crawler.ModeStandard || !cfg.Crawler.UseFallback {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Client.ServerAddress != "127.0.0.1:5007" {
		t.Fatalf("unexpected client default %q", cfg.Client.ServerAddress)
	}
	if cfg.Crawler.DetectShells || cfg.Crawler.ShellThreshold != 2048 {
		t.Fatalf("unexpected shell detection defaults: %+v", cfg.Crawler)
	}
	if want := protocol.FrameLimit(10 << 20); cfg.Server.MaxFrameBytes != want {
		t.Fatalf("expected frame limit %d derived from max_bytes, got %d", want, cfg.Server.MaxFrameBytes)
	}
	if cfg.Crawler.Browser != "" {
		t.Fatalf("expected browser to default to PATH search, got %q", cfg.Crawler.Browser)
	}
	tables := cfg.Tables()
	if len(tables) != len(promotion.DefaultOrder) {
		t.Fatalf("expected default tables, got %v", tables)
	}
	opts := cfg.Options()
	if opts.Mode != crawler.ModeStandard || !opts.UseFallback || !opts.SSLVerify {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  server.Config{Port: 5007},
		Crawler: CrawlerConfig{DefaultMode: crawler.ModeStandard, TimeoutSeconds: 20},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 70000
				return c
			}(),
			want: "server.port",
		},
		{
			name: "unknown mode",
			cfg: func() Config {
				c := base
				c.Crawler.DefaultMode = "turbo"
				return c
			}(),
			want: "crawler.default_mode",
		},
		{
			name: "api mode",
			cfg: func() Config {
				c := base
				c.API.DefaultMode = "turbo"
				return c
			}(),
			want: "api.default_mode",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Crawler.TimeoutSeconds = 0
				return c
			}(),
			want: "crawler.timeout_seconds",
		},
		{
			name: "negative rate",
			cfg: func() Config {
				c := base
				c.RateLimit.DefaultRPS = -1
				return c
			}(),
			want: "rate_limit.default_rps",
		},
		{
			name: "unnamed descriptor",
			cfg: func() Config {
				c := base
				c.Promotion = promotion.Tables{crawler.ModeFull: {{Backend: "full"}}}
				return c
			}(),
			want: "name is required",
		},
		{
			name: "unknown promotion mode",
			cfg: func() Config {
				c := base
				c.Promotion = promotion.Tables{"turbo": {{Name: "x"}}}
				return c
			}(),
			want: "unknown mode",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMergeSettings(t *testing.T) {
	t.Parallel()

	base := crawler.Settings{UserAgent: "ua", MaxBytes: 10, AcceptedTypes: []string{"html"}, Headless: true}
	got := MergeSettings(base, crawler.Settings{MaxBytes: 5, Script: "s.py"})
	if got.UserAgent != "ua" || got.MaxBytes != 5 || got.Script != "s.py" || !got.Headless || len(got.AcceptedTypes) != 1 {
		t.Fatalf("unexpected merge result %+v", got)
	}
}
