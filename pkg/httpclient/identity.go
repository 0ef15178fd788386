package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"streamrelay/pkg/urlutil"
)

// maxPageBytes caps hop page bodies.
const maxPageBytes = 4 << 20

// pageAcceptEncoding is what a browser advertises for documents.
const pageAcceptEncoding = "gzip, deflate, br, zstd"

// Identity is the browser identity presented on an outbound request.
type Identity struct {
	UserAgent      string
	Referer        string
	Origin         string
	Accept         string
	AcceptEncoding string
	Range          string
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Page is a fetched and decoded document.
type Page struct {
	URL        string // final URL after redirects
	StatusCode int
	Body       string
}

// Get issues a GET with the given identity. The caller owns the response body.
// Content-Encoding is not decoded; use FetchPage for documents.
func (c *Client) Get(ctx context.Context, rawURL string, id Identity) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyIdentity(req, id)
	return c.Do(req)
}

func (c *Client) applyIdentity(req *http.Request, id Identity) {
	ua := id.UserAgent
	if ua == "" {
		ua = c.userAgent
	}
	req.Header.Set("User-Agent", ua)

	accept := id.Accept
	if accept == "" {
		accept = "*/*"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	if id.AcceptEncoding != "" {
		req.Header.Set("Accept-Encoding", id.AcceptEncoding)
	}
	if id.Referer != "" {
		req.Header.Set("Referer", id.Referer)
	}
	origin := id.Origin
	if origin == "" && id.Referer != "" {
		origin = urlutil.GetSchemeHost(id.Referer)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if id.Range != "" {
		req.Header.Set("Range", id.Range)
	}
}

// FetchPage GETs an HTML/script document, decodes its Content-Encoding and
// returns the body. Non-2xx responses yield a *StatusError alongside the page.
func (c *Client) FetchPage(ctx context.Context, rawURL string, id Identity) (*Page, error) {
	if id.Accept == "" {
		id.Accept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	}
	if id.AcceptEncoding == "" {
		id.AcceptEncoding = pageAcceptEncoding
	}

	resp, err := c.Get(ctx, rawURL, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := DecodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", resp.Header.Get("Content-Encoding"), err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &Page{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       string(data),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return page, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return page, nil
}

// DecodeBody wraps resp.Body in a decoder for its Content-Encoding.
// Closing the returned reader does not close resp.Body.
func DecodeBody(resp *http.Response) (io.ReadCloser, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return newDeflateReader(resp.Body)
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	case "zstd":
		d, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// newDeflateReader accepts both zlib-wrapped and raw deflate bodies.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(2)
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}
