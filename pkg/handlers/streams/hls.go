// Package streams provides stream handler implementations.
package streams

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/types"
	"streamrelay/pkg/urlutil"
)

// ManifestContentType is served for every rewritten playlist.
const ManifestContentType = "application/vnd.apple.mpegurl"

const maxManifestLine = 1 << 20

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	// uriAttr matches a quoted URI attribute in a tag's attribute list.
	uriAttr = regexp.MustCompile(`([:,]\s*)URI="([^"]*)"`)
)

// HLSHandler rewrites HLS playlists so that every nested resource is fetched
// back through the proxy.
type HLSHandler struct {
	log         *logging.Logger
	baseURL     string
	proxyPath   string
	maxBytes    int64
	apiPassword string
}

// HLSOption configures an HLSHandler.
type HLSOption func(*HLSHandler)

// WithAPIPassword embeds the API password in every proxy URL so players can
// follow rewritten manifests through the auth middleware.
func WithAPIPassword(password string) HLSOption {
	return func(h *HLSHandler) {
		h.apiPassword = password
	}
}

// NewHLSHandler creates a new HLS stream handler. baseURL may be empty, in
// which case proxy URLs are emitted root-relative.
func NewHLSHandler(log *logging.Logger, baseURL, proxyPath string, maxBytes int64, opts ...HLSOption) *HLSHandler {
	if proxyPath == "" {
		proxyPath = "/proxy"
	}
	h := &HLSHandler{
		log:       log.WithComponent("hls-handler"),
		baseURL:   strings.TrimRight(baseURL, "/"),
		proxyPath: proxyPath,
		maxBytes:  maxBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Kind returns the stream kind.
func (h *HLSHandler) Kind() types.StreamKind {
	return types.StreamKindManifest
}

// CanHandle reports whether the body is playlist text. Media bytes win over a
// playlist content type, since some upstreams label everything as a playlist.
func (h *HLSHandler) CanHandle(contentType string, head []byte) bool {
	if isTransportStream(head) || isFragmentedMP4(head) {
		return false
	}
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return true
	}
	return IsPlaylist(head)
}

// IsPlaylist reports whether b starts with the #EXTM3U magic line, ignoring a
// leading byte order mark and whitespace.
func IsPlaylist(b []byte) bool {
	b = bytes.TrimPrefix(b, utf8BOM)
	b = bytes.TrimLeft(b, " \t\r\n")
	return bytes.HasPrefix(b, []byte("#EXTM3U"))
}

// Handle reads the playlist and rewrites it.
func (h *HLSHandler) Handle(ctx context.Context, up *types.UpstreamResponse, session types.ProxySession) (*types.StreamResponse, error) {
	defer up.Body.Close()

	var r io.Reader = up.Body
	if h.maxBytes > 0 {
		r = io.LimitReader(up.Body, h.maxBytes+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if h.maxBytes > 0 && int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("manifest exceeds %d bytes", h.maxBytes)
	}

	rewritten, n, err := h.RewriteManifest(body, up.URL, session)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite manifest: %w", err)
	}
	metrics.ManifestURIsRewritten.Add(float64(n))

	h.log.Debug("manifest rewritten",
		"url", up.URL,
		"source", session.Source,
		"bytes", len(body),
		"rewritten", n,
	)

	return &types.StreamResponse{
		ContentType: ManifestContentType,
		Body:        io.NopCloser(bytes.NewReader(rewritten)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// RewriteManifest rewrites every URI in manifest to a proxy URL carrying the
// session's source and referer. manifestURL is the URL the playlist was
// fetched from and anchors relative references. It returns the rewritten
// playlist and the number of URIs replaced.
func (h *HLSHandler) RewriteManifest(manifest []byte, manifestURL string, session types.ProxySession) ([]byte, int, error) {
	if !urlutil.IsHTTP(manifestURL) {
		return nil, 0, fmt.Errorf("manifest url %q is not absolute", manifestURL)
	}
	manifest = bytes.TrimPrefix(manifest, utf8BOM)

	var (
		result    bytes.Buffer
		rewritten int
	)
	result.Grow(len(manifest) + len(manifest)/2)

	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	scanner.Buffer(make([]byte, 0, 64*1024), maxManifestLine)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#EXT"):
			if strings.Contains(line, `URI="`) {
				line = uriAttr.ReplaceAllStringFunc(line, func(m string) string {
					sub := uriAttr.FindStringSubmatch(m)
					proxied, ok := h.rewriteURI(sub[2], manifestURL, session)
					if !ok {
						return m
					}
					rewritten++
					return sub[1] + `URI="` + proxied + `"`
				})
			}
		case strings.HasPrefix(trimmed, "#"):
			// Plain comment.
		default:
			if proxied, ok := h.rewriteURI(trimmed, manifestURL, session); ok {
				line = proxied
				rewritten++
			}
		}

		result.WriteString(line)
		result.WriteByte('\n')
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return result.Bytes(), rewritten, nil
}

// rewriteURI returns the proxy URL for ref, or false when ref must be left
// alone: data and key-system URIs, already proxied URIs, and anything that
// does not resolve to http(s).
func (h *HLSHandler) rewriteURI(ref, manifestURL string, session types.ProxySession) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || urlutil.HasOtherScheme(ref) || h.IsProxyURL(ref) {
		return "", false
	}
	abs := urlutil.ResolveURL(ref, manifestURL)
	if !urlutil.IsHTTP(abs) {
		return "", false
	}
	return h.ProxyURL(abs, session.Source, session.Referer), true
}

// ProxyURL builds the proxy URL for target.
func (h *HLSHandler) ProxyURL(target, source, referer string) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("source", source)
	q.Set("referer", referer)
	if h.apiPassword != "" {
		q.Set("api_password", h.apiPassword)
	}
	return h.baseURL + h.proxyPath + "?" + q.Encode()
}

// IsProxyURL reports whether ref already points at this proxy, absolute or
// root-relative.
func (h *HLSHandler) IsProxyURL(ref string) bool {
	prefixes := []string{h.proxyPath + "?"}
	if h.baseURL != "" {
		prefixes = append(prefixes, h.baseURL+h.proxyPath+"?")
	}
	for _, p := range prefixes {
		if strings.HasPrefix(ref, p) && strings.Contains(ref[len(p):], "url=") {
			return true
		}
	}
	return false
}

// Ensure HLSHandler implements StreamHandler.
var _ interfaces.StreamHandler = (*HLSHandler)(nil)
