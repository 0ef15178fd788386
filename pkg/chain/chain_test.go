package chain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"streamrelay/pkg/config"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

const (
	embedFixture = `<html><body>
<div class="serversList">
  <div class="server" data-hash="">Empty</div>
  <div class="server" data-hash="MTIzNDU2Nzg5MA--">CloudStream Pro</div>
  <div class="server" data-hash="c2Vjb25k">2Embed</div>
</div></body></html>`

	rcpFixture = `<html><head><script>
  $('#the_frame').removeAttr('style');
  $('#the_frame').html($('<iframe>', {
      id: 'player_iframe',
      src: '/prorcp/ZDQ0Y2I5ZjE1ZjA2',
      frameborder: 0
  }));
</script></head><body><div id="the_frame"></div></body></html>`

	playerFixture = `<html><body>
<div id="decoy" style="display:none"><span>not a payload</span></div>
<div id="xTyBxQyGTA" style="display: none;">A1b2C3d4E5f6G7h8I9j0KLMNOPqrst==</div>
<div id="visible">A1b2C3d4E5f6G7h8I9j0KLMNOPqrst</div>
</body></html>`
)

func TestEmbedDataHash(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"first non-empty server", embedFixture, "MTIzNDU2Nzg5MA--", false},
		{"script literal", `<script>var s = '<div data-hash="abc=">';</script>`, "abc=", false},
		{"missing", `<div class="server">none</div>`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EmbedDataHash.Extract(NewPage("https://embed.example/embed/movie/1", tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrPatternNotFound) {
					t.Fatalf("Extract() error = %v, want ErrPatternNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if got.Token != tt.want {
				t.Errorf("Token = %q, want %q", got.Token, tt.want)
			}
		})
	}
}

func TestRCPPlayerPath(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"object literal src", rcpFixture, "/prorcp/ZDQ0Y2I5ZjE1ZjA2", false},
		{"iframe tag", `<iframe src="/srcrcp/YWJjZGVm" frameborder="0"></iframe>`, "/srcrcp/YWJjZGVm", false},
		{"jquery attr", `<script>$('<iframe>').attr('src', '/prorcp/Zm9vYmFy')</script>`, "/prorcp/Zm9vYmFy", false},
		{"var assignment", `<script>const playerUrl = "/srcrcp/cXV4";</script>`, "/srcrcp/cXV4", false},
		{"other iframe ignored", `<iframe src="/ads/banner"></iframe>`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RCPPlayerPath.Extract(NewPage("https://player.example/rcp/x", tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrPatternNotFound) {
					t.Fatalf("Extract() error = %v, want ErrPatternNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if got.Token != tt.want {
				t.Errorf("Token = %q, want %q", got.Token, tt.want)
			}
		})
	}
}

func TestPlayerHiddenPayload(t *testing.T) {
	got, err := PlayerHiddenPayload.Extract(NewPage("https://player.example/prorcp/x", playerFixture))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := &types.EncodedPayload{Raw: "A1b2C3d4E5f6G7h8I9j0KLMNOPqrst==", CompanionElementID: "xTyBxQyGTA"}
	if diff := cmp.Diff(want, got.Payload); diff != "" {
		t.Errorf("Payload mismatch (-want +got):\n%s", diff)
	}
	if got.Token != "xTyBxQyGTA" {
		t.Errorf("Token = %q, want element id", got.Token)
	}

	_, err = PlayerHiddenPayload.Extract(NewPage("", `<div id="abc" style="display:none">short</div>`))
	if !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("Extract(short) error = %v, want ErrPatternNotFound", err)
	}
}

func TestEmbedURL(t *testing.T) {
	tests := []struct {
		target  types.PlaybackTarget
		want    string
		wantErr bool
	}{
		{types.PlaybackTarget{MediaID: "550", MediaType: types.MediaTypeMovie}, "https://e.example/embed/movie/550", false},
		{types.PlaybackTarget{MediaID: "1396", MediaType: types.MediaTypeEpisode, Season: 1, Episode: 2}, "https://e.example/embed/tv/1396/1/2", false},
		{types.PlaybackTarget{MediaID: "1396", MediaType: types.MediaTypeEpisode}, "", true},
		{types.PlaybackTarget{MediaID: "../x", MediaType: types.MediaTypeMovie}, "", true},
	}
	for _, tt := range tests {
		got, err := EmbedURL("https://e.example/", tt.target)
		if (err != nil) != tt.wantErr {
			t.Errorf("EmbedURL(%+v) error = %v, wantErr %v", tt.target, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("EmbedURL(%+v) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

// chainServer serves the three hops and records the referer each one saw.
type chainServer struct {
	*httptest.Server
	mu       sync.Mutex
	referers map[string]string
}

func newChainServer(t *testing.T, rcpBody string, embedStatus int) *chainServer {
	t.Helper()
	cs := &chainServer{referers: make(map[string]string)}
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		cs.mu.Lock()
		cs.referers[r.URL.Path] = r.Header.Get("Referer")
		cs.mu.Unlock()
	}
	mux.HandleFunc("/embed/movie/42", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(embedStatus)
		w.Write([]byte(embedFixture))
	})
	mux.HandleFunc("/rcp/MTIzNDU2Nzg5MA--", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte(rcpBody))
	})
	mux.HandleFunc("/prorcp/ZDQ0Y2I5ZjE1ZjA2", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte(playerFixture))
	})
	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chainServer) seen() map[string]string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make(map[string]string, len(cs.referers))
	for k, v := range cs.referers {
		out[k] = v
	}
	return out
}

func newTestWalker(t *testing.T, base string, opts Options) *Walker {
	t.Helper()
	log := logging.Discard()
	client := httpclient.New(&config.Config{UserAgent: "test-agent"}, log)
	w, err := NewWalker(VidSrc("vidsrc", base, base), client, opts, log)
	if err != nil {
		t.Fatalf("NewWalker() error = %v", err)
	}
	return w
}

func TestWalker_Walk(t *testing.T) {
	srv := newChainServer(t, rcpFixture, http.StatusOK)
	w := newTestWalker(t, srv.URL, Options{AppReferer: "https://app.example/", HopTimeout: 5 * time.Second})

	payload, hops, err := w.Walk(context.Background(), types.PlaybackTarget{MediaID: "42", MediaType: types.MediaTypeMovie})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if payload.CompanionElementID != "xTyBxQyGTA" {
		t.Errorf("CompanionElementID = %q", payload.CompanionElementID)
	}

	embedURL := srv.URL + "/embed/movie/42"
	rcpURL := srv.URL + "/rcp/MTIzNDU2Nzg5MA--"
	wantReferers := map[string]string{
		"/embed/movie/42":          "https://app.example/",
		"/rcp/MTIzNDU2Nzg5MA--":    embedURL,
		"/prorcp/ZDQ0Y2I5ZjE1ZjA2": rcpURL,
	}
	if diff := cmp.Diff(wantReferers, srv.seen()); diff != "" {
		t.Errorf("referers mismatch (-want +got):\n%s", diff)
	}

	gotTokens := make([]string, len(hops))
	for i, h := range hops {
		gotTokens[i] = h.ExtractedToken
		if h.Index != i {
			t.Errorf("hop %d has Index %d", i, h.Index)
		}
	}
	wantTokens := []string{"MTIzNDU2Nzg5MA--", "/prorcp/ZDQ0Y2I5ZjE1ZjA2", "xTyBxQyGTA"}
	if diff := cmp.Diff(wantTokens, gotTokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestWalker_AbortsAtFailingHop(t *testing.T) {
	srv := newChainServer(t, `<html>no player here</html>`, http.StatusOK)
	w := newTestWalker(t, srv.URL, Options{HopTimeout: 5 * time.Second})

	_, hops, err := w.Walk(context.Background(), types.PlaybackTarget{MediaID: "42", MediaType: types.MediaTypeMovie})

	var he *HopError
	if !errors.As(err, &he) {
		t.Fatalf("Walk() error = %v, want *HopError", err)
	}
	if he.Index != 1 || he.Rule != "rcp-player-path" {
		t.Errorf("HopError = %+v, want index 1 rule rcp-player-path", he)
	}
	if !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("Walk() error does not wrap ErrPatternNotFound: %v", err)
	}
	if len(hops) != 2 {
		t.Errorf("recorded %d hops, want 2", len(hops))
	}
	if _, ok := srv.seen()["/prorcp/ZDQ0Y2I5ZjE1ZjA2"]; ok {
		t.Error("player page fetched after rcp hop failed")
	}
}

func TestWalker_UpstreamStatus(t *testing.T) {
	srv := newChainServer(t, rcpFixture, http.StatusForbidden)
	w := newTestWalker(t, srv.URL, Options{HopTimeout: 5 * time.Second})

	_, hops, err := w.Walk(context.Background(), types.PlaybackTarget{MediaID: "42", MediaType: types.MediaTypeMovie})

	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("Walk() error = %v, want 403 StatusError", err)
	}
	var he *HopError
	if !errors.As(err, &he) || he.Index != 0 {
		t.Errorf("Walk() error = %v, want hop 0", err)
	}
	if len(hops) != 1 || hops[0].StatusCode != http.StatusForbidden {
		t.Errorf("hops = %+v", hops)
	}
}

func TestWalker_HopTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	w := newTestWalker(t, srv.URL, Options{HopTimeout: 50 * time.Millisecond})
	_, _, err := w.Walk(context.Background(), types.PlaybackTarget{MediaID: "42", MediaType: types.MediaTypeMovie})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Walk() error = %v, want deadline exceeded", err)
	}
}

func TestWalker_InvalidTarget(t *testing.T) {
	w := newTestWalker(t, "https://e.example", Options{})
	_, hops, err := w.Walk(context.Background(), types.PlaybackTarget{MediaType: types.MediaTypeMovie})

	var he *HopError
	if !errors.As(err, &he) || he.Index != 0 {
		t.Fatalf("Walk() error = %v, want hop 0 HopError", err)
	}
	if len(hops) != 0 {
		t.Errorf("recorded %d hops for invalid target", len(hops))
	}
}

func TestProviderValidate(t *testing.T) {
	p := VidSrc("x", "https://e.example", "https://p.example")
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	p.Hops[0].Next = nil
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted a non-terminal hop without Next")
	}
}
