package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"streamrelay/pkg/config"
	"streamrelay/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New("error", false, io.Discard)
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestClientFor(t *testing.T) {
	log := testLogger()

	tests := []struct {
		name          string
		cfg           *config.Config
		targetURL     string
		expectProxy   bool
		expectDefault bool
	}{
		{
			name: "uses global proxy when no transport routes match",
			cfg: &config.Config{
				GlobalProxies:   []string{"socks5://proxy.example.com:1080"},
				TransportRoutes: nil,
			},
			targetURL:     "https://cdn.example.com/video.m3u8",
			expectProxy:   true,
			expectDefault: false,
		},
		{
			name: "uses transport route when URL matches",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global-proxy.example.com:1080"},
				TransportRoutes: []config.TransportRoute{
					{
						URLPattern: "cdn.specific.com",
						Proxy:      "socks5://specific-proxy.example.com:1080",
					},
				},
			},
			targetURL:     "https://cdn.specific.com/video.m3u8",
			expectProxy:   true,
			expectDefault: false,
		},
		{
			name:          "uses default client when no proxy configured",
			cfg:           &config.Config{},
			targetURL:     "https://cdn.example.com/video.m3u8",
			expectProxy:   false,
			expectDefault: true,
		},
		{
			name: "transport route takes precedence over global proxy",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global-proxy.example.com:1080"},
				TransportRoutes: []config.TransportRoute{
					{
						URLPattern: "specific-cdn.com",
						DisableSSL: true,
					},
				},
			},
			targetURL:     "https://specific-cdn.com/video.m3u8",
			expectProxy:   false,
			expectDefault: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.cfg, log)
			httpClient := client.clientFor(mustURL(t, tt.targetURL))

			isDefaultClient := httpClient == client.defaultClient

			if tt.expectDefault && !isDefaultClient {
				t.Error("expected default client but got a different client")
			}
			if !tt.expectDefault && isDefaultClient {
				t.Error("expected proxy/insecure client but got default client")
			}
		})
	}
}

func TestClientFor_UTLSHosts(t *testing.T) {
	client := New(&config.Config{
		EmbedBaseURL:  "https://embed.example",
		PlayerBaseURL: "https://player.example",
	}, testLogger())

	tests := []struct {
		url  string
		utls bool
	}{
		{"https://embed.example/embed/movie/1", true},
		{"https://www.player.example/rcp/abc", true},
		{"http://player.example/rcp/abc", false},
		{"https://notplayer.example/x", false},
		{"https://cdn.example/x.m3u8", false},
	}
	for _, tt := range tests {
		got := client.clientFor(mustURL(t, tt.url)) == client.utlsClient
		if got != tt.utls {
			t.Errorf("clientFor(%q) utls = %v, want %v", tt.url, got, tt.utls)
		}
	}
}

func TestGet_IdentityHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := New(&config.Config{UserAgent: "test-agent"}, testLogger())
	resp, err := client.Get(context.Background(), srv.URL, Identity{
		Referer:        "https://player.example/prorcp/xyz",
		AcceptEncoding: "identity",
		Range:          "bytes=0-99",
	})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	want := map[string]string{
		"User-Agent":      "test-agent",
		"Referer":         "https://player.example/prorcp/xyz",
		"Origin":          "https://player.example",
		"Accept":          "*/*",
		"Accept-Encoding": "identity",
		"Range":           "bytes=0-99",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("header %s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestFetchPage_Decompression(t *testing.T) {
	const body = `<div id="x" data-hash="abc123"></div>`

	gz := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		w.Write([]byte(body))
		w.Close()
		return buf.Bytes()
	}
	br := func() []byte {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		w.Write([]byte(body))
		w.Close()
		return buf.Bytes()
	}

	tests := []struct {
		encoding string
		payload  []byte
	}{
		{"", []byte(body)},
		{"gzip", gz()},
		{"br", br()},
	}

	for _, tt := range tests {
		t.Run("encoding "+tt.encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept-Encoding") != pageAcceptEncoding {
					t.Errorf("Accept-Encoding = %q", r.Header.Get("Accept-Encoding"))
				}
				if tt.encoding != "" {
					w.Header().Set("Content-Encoding", tt.encoding)
				}
				w.Write(tt.payload)
			}))
			defer srv.Close()

			page, err := New(&config.Config{}, testLogger()).FetchPage(context.Background(), srv.URL, Identity{})
			if err != nil {
				t.Fatalf("FetchPage() error = %v", err)
			}
			if page.Body != body {
				t.Errorf("Body = %q, want %q", page.Body, body)
			}
		})
	}
}

func TestFetchPage_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	page, err := New(&config.Config{}, testLogger()).FetchPage(context.Background(), srv.URL, Identity{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("FetchPage() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusGone {
		t.Errorf("StatusCode = %d, want 410", se.StatusCode)
	}
	if page == nil || page.StatusCode != http.StatusGone {
		t.Errorf("page = %+v, want status 410", page)
	}
}
