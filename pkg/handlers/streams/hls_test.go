package streams

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

var testSession = types.ProxySession{
	Source:  "vidsrc",
	Referer: "https://player.example/",
}

func newTestHLS(maxBytes int64) *HLSHandler {
	return NewHLSHandler(logging.Discard(), "https://relay.example", "/proxy", maxBytes)
}

// proxiedTarget returns the url parameter of a proxy URL.
func proxiedTarget(t *testing.T, proxyURL string) url.Values {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("parse %q: %v", proxyURL, err)
	}
	if u.Scheme != "https" || u.Host != "relay.example" || u.Path != "/proxy" {
		t.Fatalf("proxy url %q has wrong endpoint", proxyURL)
	}
	return u.Query()
}

func TestHLSHandler_CanHandle(t *testing.T) {
	h := &HLSHandler{}

	tests := []struct {
		name        string
		contentType string
		head        []byte
		expected    bool
	}{
		{"apple mpegurl", "application/vnd.apple.mpegurl", []byte("#EXTM3U\n"), true},
		{"x-mpegurl with charset", "application/x-mpegURL; charset=utf-8", nil, true},
		{"magic line under html type", "text/html", []byte("#EXTM3U\n#EXT-X-VERSION:3\n"), true},
		{"magic line after bom", "text/plain", []byte("\xEF\xBB\xBF  #EXTM3U\n"), true},
		{"magic line after blank lines", "", []byte("\r\n\n#EXTM3U"), true},
		{"ts bytes under playlist type", "application/vnd.apple.mpegurl", []byte{0x47, 0x40, 0x00}, false},
		{"mp4 bytes", "application/x-mpegurl", []byte("\x00\x00\x00\x18ftypmp42"), false},
		{"html page", "text/html", []byte("<!doctype html>"), false},
		{"empty", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.CanHandle(tt.contentType, tt.head)
			if result != tt.expected {
				t.Errorf("CanHandle(%q, %q) = %v, want %v", tt.contentType, tt.head, result, tt.expected)
			}
		})
	}
}

func TestHLSHandler_RewriteRelativeSegment(t *testing.T) {
	h := newTestHLS(0)
	manifest := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n"

	out, n, err := h.RewriteManifest([]byte(manifest), "https://host.example/pl/x/index.m3u8", testSession)
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	if n != 1 {
		t.Errorf("rewritten = %d, want 1", n)
	}

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out)
	}
	q := proxiedTarget(t, lines[3])
	if got := q.Get("url"); got != "https://host.example/pl/x/seg1.ts" {
		t.Errorf("url = %q, want https://host.example/pl/x/seg1.ts", got)
	}
	if got := q.Get("source"); got != testSession.Source {
		t.Errorf("source = %q, want %q", got, testSession.Source)
	}
	if got := q.Get("referer"); got != testSession.Referer {
		t.Errorf("referer = %q, want %q", got, testSession.Referer)
	}
	for _, i := range []int{0, 1, 2, 4} {
		if lines[i] != strings.Split(manifest, "\n")[i] {
			t.Errorf("line %d = %q, want it unchanged", i, lines[i])
		}
	}
}

func TestHLSHandler_RewriteMaster(t *testing.T) {
	h := newTestHLS(0)
	manifest := strings.Join([]string{
		"#EXTM3U",
		"# served by origin",
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="en",URI="audio/en.m3u8"`,
		`#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=86000,URI="/iframes/low.m3u8"`,
		`#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://key-id",KEYFORMAT="com.apple.streamingkeydelivery"`,
		`#EXT-X-SESSION-KEY:METHOD=AES-128,URI="data:text/plain;base64,AAAA"`,
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000,AUDIO=\"aud\"",
		"https://cdn.example/hi/index.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=640000",
		"../lo/index.m3u8",
		"",
	}, "\n")

	out, n, err := h.RewriteManifest([]byte(manifest), "https://host.example/pl/x/master.m3u8?t=1", testSession)
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	if n != 4 {
		t.Errorf("rewritten = %d, want 4", n)
	}

	lines := strings.Split(string(out), "\n")
	in := strings.Split(manifest, "\n")
	for _, i := range []int{0, 1, 4, 5, 6, 8} {
		if lines[i] != in[i] {
			t.Errorf("line %d = %q, want it unchanged", i, lines[i])
		}
	}

	attr := func(line string) string {
		start := strings.Index(line, `URI="`) + len(`URI="`)
		end := strings.Index(line[start:], `"`)
		return line[start : start+end]
	}

	got := []string{
		proxiedTarget(t, attr(lines[2])).Get("url"),
		proxiedTarget(t, attr(lines[3])).Get("url"),
		proxiedTarget(t, lines[7]).Get("url"),
		proxiedTarget(t, lines[9]).Get("url"),
	}
	want := []string{
		"https://host.example/pl/x/audio/en.m3u8",
		"https://host.example/iframes/low.m3u8",
		"https://cdn.example/hi/index.m3u8",
		"https://host.example/pl/lo/index.m3u8",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("proxied targets mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(lines[2], `#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="en",URI="https://relay.example/proxy?`) {
		t.Errorf("media tag attributes not preserved: %q", lines[2])
	}
}

func TestHLSHandler_RewriteIdempotent(t *testing.T) {
	h := newTestHLS(0)
	manifest := "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:4,\nseg-1.m4s?sig=a%2Bb\n#EXTINF:4,\n/abs/seg-2.m4s\n"
	base := "https://host.example/v/index.m3u8"

	once, n1, err := h.RewriteManifest([]byte(manifest), base, testSession)
	if err != nil {
		t.Fatalf("first rewrite error = %v", err)
	}
	twice, n2, err := h.RewriteManifest(once, base, testSession)
	if err != nil {
		t.Fatalf("second rewrite error = %v", err)
	}
	if n1 != 3 {
		t.Errorf("first rewrite replaced %d URIs, want 3", n1)
	}
	if n2 != 0 {
		t.Errorf("second rewrite replaced %d URIs, want 0", n2)
	}
	if diff := cmp.Diff(string(once), string(twice)); diff != "" {
		t.Errorf("rewrite is not idempotent (-once +twice):\n%s", diff)
	}

	lines := strings.Split(string(once), "\n")
	if got := proxiedTarget(t, lines[3]).Get("url"); got != "https://host.example/v/seg-1.m4s?sig=a%2Bb" {
		t.Errorf("encoded query not preserved: %q", got)
	}
}

func TestHLSHandler_RootRelativeProxy(t *testing.T) {
	h := NewHLSHandler(logging.Discard(), "", "/proxy", 0)

	out, _, err := h.RewriteManifest([]byte("#EXTM3U\nseg.ts\n"), "https://host.example/a/b.m3u8", testSession)
	if err != nil {
		t.Fatalf("RewriteManifest() error = %v", err)
	}
	line := strings.Split(string(out), "\n")[1]
	if !strings.HasPrefix(line, "/proxy?") {
		t.Fatalf("line = %q, want root-relative proxy url", line)
	}
	if !h.IsProxyURL(line) {
		t.Errorf("IsProxyURL(%q) = false", line)
	}
	again, n, _ := h.RewriteManifest(out, "https://host.example/a/b.m3u8", testSession)
	if n != 0 || string(again) != string(out) {
		t.Errorf("root-relative proxy url was rewritten again: %q", again)
	}
}

func TestHLSHandler_RewriteRejectsRelativeBase(t *testing.T) {
	h := newTestHLS(0)
	if _, _, err := h.RewriteManifest([]byte("#EXTM3U\n"), "/index.m3u8", testSession); err == nil {
		t.Fatal("expected error for relative manifest url")
	}
}

func TestHLSHandler_Handle(t *testing.T) {
	h := newTestHLS(1024)
	up := &types.UpstreamResponse{
		URL:        "https://host.example/pl/x/index.m3u8",
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("\xEF\xBB\xBF#EXTM3U\n#EXTINF:6,\nseg1.ts\n")),
	}

	resp, err := h.Handle(context.Background(), up, testSession)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.ContentType != ManifestContentType {
		t.Errorf("ContentType = %q, want %q", resp.ContentType, ManifestContentType)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if resp.Headers["Cache-Control"] == "" {
		t.Error("manifest response has no Cache-Control")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "#EXTM3U\n") {
		t.Errorf("body does not start with magic line: %q", body)
	}
}

func TestHLSHandler_HandleTooLarge(t *testing.T) {
	h := newTestHLS(16)
	up := &types.UpstreamResponse{
		URL:        "https://host.example/index.m3u8",
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("#EXTM3U\n" + strings.Repeat("#EXTINF:6,\nseg.ts\n", 4))),
	}
	if _, err := h.Handle(context.Background(), up, testSession); err == nil {
		t.Fatal("expected error for oversized manifest")
	}
}

func TestHLSHandler_ProxyURLCarriesPassword(t *testing.T) {
	h := NewHLSHandler(logging.Discard(), "https://relay.example/", "/proxy", 0, WithAPIPassword("s3cret"))

	q := proxiedTarget(t, h.ProxyURL("https://host.example/a.ts", "vidsrc", "https://p.example/"))
	if got := q.Get("api_password"); got != "s3cret" {
		t.Errorf("api_password = %q, want s3cret", got)
	}
	if got := q.Get("url"); got != "https://host.example/a.ts" {
		t.Errorf("url = %q", got)
	}
}
