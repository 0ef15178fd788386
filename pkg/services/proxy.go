// Package services implements the playback proxy state machine.
package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/types"
	"streamrelay/pkg/urlutil"
)

// sniffSize is how many leading bytes are peeked to classify a body. It
// covers two transport stream packets.
const sniffSize = 512

// ValidationError reports a malformed proxy request.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s parameter: %s", e.Param, e.Reason)
}

// UpstreamError reports a failed upstream fetch. StatusCode is the upstream
// status for non-2xx responses and zero for transport failures.
type UpstreamError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Status returns the status the player should see: the upstream status when
// there was one, 504 on timeout, 502 otherwise.
func (e *UpstreamError) Status() int {
	switch {
	case e.StatusCode != 0:
		return e.StatusCode
	case errors.Is(e.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// UpstreamClient issues proxied GETs. *httpclient.Client implements it.
type UpstreamClient interface {
	Get(ctx context.Context, rawURL string, id httpclient.Identity) (*http.Response, error)
}

// ProxyOptions configures a ProxyService.
type ProxyOptions struct {
	UserAgent string
	Timeout   time.Duration
}

// ProxyService fetches upstream playback resources and hands them to the
// matching stream handler.
type ProxyService struct {
	log      *logging.Logger
	client   UpstreamClient
	handlers *registry.StreamHandlerRegistry
	opts     ProxyOptions
}

// NewProxyService creates a new proxy service.
func NewProxyService(
	log *logging.Logger,
	client UpstreamClient,
	handlers *registry.StreamHandlerRegistry,
	opts ProxyOptions,
) *ProxyService {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ProxyService{
		log:      log.WithComponent("proxy-service"),
		client:   client,
		handlers: handlers,
		opts:     opts,
	}
}

// ParseSession builds a session from proxy query parameters. Values are
// already percent-decoded by url.Values.
func ParseSession(q url.Values, rangeHeader string) (types.ProxySession, error) {
	s := types.ProxySession{
		OriginURL: strings.TrimSpace(q.Get("url")),
		Source:    strings.TrimSpace(q.Get("source")),
		Referer:   strings.TrimSpace(q.Get("referer")),
		Range:     rangeHeader,
	}
	return s, ValidateSession(s)
}

// ValidateSession checks that all parameters are present and that url and
// referer are absolute http(s) URLs.
func ValidateSession(s types.ProxySession) error {
	switch {
	case s.OriginURL == "":
		return &ValidationError{Param: "url", Reason: "missing"}
	case !urlutil.IsHTTP(s.OriginURL):
		return &ValidationError{Param: "url", Reason: "must be an absolute http(s) url"}
	case s.Source == "":
		return &ValidationError{Param: "source", Reason: "missing"}
	case s.Referer == "":
		return &ValidationError{Param: "referer", Reason: "missing"}
	case !urlutil.IsHTTP(s.Referer):
		return &ValidationError{Param: "referer", Reason: "must be an absolute http(s) url"}
	}
	return nil
}

// Serve runs one proxied request. The returned body must be closed; closing
// it, or cancelling ctx, aborts the upstream fetch.
func (s *ProxyService) Serve(ctx context.Context, session types.ProxySession) (*types.StreamResponse, error) {
	if err := ValidateSession(session); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	log := s.log.WithURL(session.OriginURL)

	start := time.Now()
	resp, err := s.client.Get(ctx, session.OriginURL, httpclient.Identity{
		UserAgent:      s.opts.UserAgent,
		Referer:        session.Referer,
		AcceptEncoding: "identity",
		Range:          session.Range,
	})
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		log.Warn("upstream fetch failed", "source", session.Source, "error", err)
		metrics.IncProxyRequest("error", 0)
		return nil, &UpstreamError{URL: session.OriginURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		log.Warn("upstream returned error status",
			"source", session.Source,
			"status", resp.StatusCode,
		)
		metrics.IncProxyRequest("error", resp.StatusCode)
		return nil, &UpstreamError{URL: session.OriginURL, StatusCode: resp.StatusCode}
	}

	br := bufio.NewReaderSize(resp.Body, sniffSize)
	head, _ := br.Peek(sniffSize)

	up := &types.UpstreamResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Head:       head,
		Body:       readCloser{Reader: br, Closer: resp.Body},
	}

	handler := s.handlers.Get(resp.Header.Get("Content-Type"), head)
	if handler == nil {
		up.Body.Close()
		cancel()
		return nil, fmt.Errorf("no stream handler for %s", session.OriginURL)
	}
	kind := string(handler.Kind())
	metrics.ObserveProxyUpstream(kind, time.Since(start))

	out, err := handler.Handle(ctx, up, session)
	if err != nil {
		up.Body.Close()
		cancel()
		log.Warn("stream handler failed", "kind", kind, "error", err)
		metrics.IncProxyRequest(kind, http.StatusBadGateway)
		return nil, &UpstreamError{URL: session.OriginURL, Err: err}
	}

	metrics.IncProxyRequest(kind, out.StatusCode)
	log.Debug("proxied",
		"final_url", up.URL,
		"source", session.Source,
		"kind", kind,
		"status", out.StatusCode,
		"content_type", out.ContentType,
	)

	out.Body = &cancelOnClose{ReadCloser: out.Body, cancel: cancel}
	return out, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}

var _ interfaces.PlaybackProxy = (*ProxyService)(nil)
