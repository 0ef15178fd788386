package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"streamrelay/pkg/types"
)

func TestParseTransportRoutes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []TransportRoute
	}{
		{"empty", "", nil},
		{
			name: "single route",
			in:   "{URL=cdn.example.com, PROXY=socks5://p:1080}",
			want: []TransportRoute{{URLPattern: "cdn.example.com", Proxy: "socks5://p:1080"}},
		},
		{
			name: "multiple routes with flags",
			in:   "{URL=a.example, DISABLE_SSL=true}, {URL=b.example, DIRECT=TRUE}",
			want: []TransportRoute{
				{URLPattern: "a.example", DisableSSL: true},
				{URLPattern: "b.example", Direct: true},
			},
		},
		{"route without url is dropped", "{PROXY=http://p:8080}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTransportRoutes(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseTransportRoutes() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BASE_URL", "")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "" {
		t.Errorf("BaseURL = %q, want empty so proxy links stay root-relative", cfg.BaseURL)
	}
	if cfg.ProxyPath != "/proxy" {
		t.Errorf("ProxyPath = %q, want /proxy", cfg.ProxyPath)
	}
	if cfg.HopTimeout != 15*time.Second {
		t.Errorf("HopTimeout = %v, want 15s", cfg.HopTimeout)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamrelay.yaml")
	data := `
base_url: https://relay.example/
user_agent: file-agent
hop_timeout: 7s
providers:
  embed_base_url: https://embed.example
placeholders:
  - name: v1
    values: [cdn-a.example, cdn-b.example]
transport_routes:
  - url: cdn-a.example
    proxy: socks5://127.0.0.1:1080
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("USER_AGENT", "env-agent")
	t.Setenv("HOP_TIMEOUT", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://relay.example" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.UserAgent != "env-agent" {
		t.Errorf("UserAgent = %q, want env to win over file", cfg.UserAgent)
	}
	if cfg.HopTimeout != 3*time.Second {
		t.Errorf("HopTimeout = %v, want 3s", cfg.HopTimeout)
	}
	if cfg.EmbedBaseURL != "https://embed.example" {
		t.Errorf("EmbedBaseURL = %q", cfg.EmbedBaseURL)
	}
	wantTokens := []types.PlaceholderToken{{Name: "v1", Values: []string{"cdn-a.example", "cdn-b.example"}}}
	if diff := cmp.Diff(wantTokens, cfg.Placeholders); diff != "" {
		t.Errorf("Placeholders mismatch (-want +got):\n%s", diff)
	}
	if len(cfg.TransportRoutes) != 1 || cfg.TransportRoutes[0].Proxy != "socks5://127.0.0.1:1080" {
		t.Errorf("TransportRoutes = %+v", cfg.TransportRoutes)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [not an int"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Error("Load() with malformed file succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}

	cfg.BaseURL = "relay.example"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a base url without scheme")
	}

	cfg.BaseURL = ""
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted an unknown log level")
	}

	cfg.LogLevel = "WARN"
	cfg.ProxyPath = "proxy"
	cfg.EmbedBaseURL = "/relative"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted relative proxy path and embed url")
	}
}
