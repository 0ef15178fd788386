package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	for key, value := range map[string]string{
		"CONFIG_FILE":      "",
		"BASE_URL":         "",
		"PORT":             "7860",
		"API_PASSWORD":     "",
		"LOG_LEVEL":        "error",
		"GLOBAL_PROXIES":   "",
		"GLOBAL_PROXY":     "",
		"TRANSPORT_ROUTES": "",
	} {
		t.Setenv(key, value)
	}

	a, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func TestNew_ProxyLinksAreRootRelative(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:6,\nseg1.ts\n"))
	}))
	defer upstream.Close()

	a := newTestApp(t)
	h := a.Server.Handler()

	q := url.Values{}
	q.Set("url", upstream.URL+"/pl/index.m3u8")
	q.Set("source", "vidsrc")
	q.Set("referer", "https://player.example/")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy?"+q.Encode(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), w.Body.String())
	}
	if !strings.Contains(lines[1], `URI="/proxy?`) {
		t.Errorf("map uri is not root-relative: %q", lines[1])
	}
	if !strings.HasPrefix(lines[3], "/proxy?") {
		t.Errorf("segment uri is not root-relative: %q", lines[3])
	}

	if link := a.Ctx.Linker.ProxyURL("https://cdn.example/a.m3u8", "vidsrc", "https://player.example/"); !strings.HasPrefix(link, "/proxy?") {
		t.Errorf("playback link = %q, want root-relative", link)
	}
}

func TestNew_InfoShowsLocalBaseURL(t *testing.T) {
	a := newTestApp(t)

	w := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/info", nil))

	var info struct {
		BaseURL   string   `json:"base_url"`
		Providers []string `json:"providers"`
	}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.BaseURL != "http://localhost:7860" {
		t.Errorf("base_url = %q, want http://localhost:7860", info.BaseURL)
	}
	if len(info.Providers) != 2 {
		t.Errorf("providers = %v, want vidsrc and vidsrc-alt", info.Providers)
	}
}
