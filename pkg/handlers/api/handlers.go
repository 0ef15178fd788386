// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"streamrelay/pkg/appctx"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/middleware"
	"streamrelay/pkg/resolver"
	"streamrelay/pkg/services"
	"streamrelay/pkg/types"
)

const version = "1.0.0"

// Handlers contains all API handlers.
type Handlers struct {
	ctx *appctx.Context
	log *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx: ctx,
		log: ctx.Log.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	// Public routes
	r.Get("/", h.handleIndex)
	r.Get("/healthz", h.handleHealth)
	r.Get("/api/info", h.handleAPIInfo)

	// Playback proxy
	proxyPath := h.ctx.Config.ProxyPath
	if proxyPath == "" {
		proxyPath = "/proxy"
	}
	r.Get(proxyPath, h.handleProxy)
	r.Head(proxyPath, h.handleProxy)

	// Resolution
	r.Group(func(r chi.Router) {
		if limit := h.ctx.Config.ResolveRateLimit; limit > 0 {
			r.Use(middleware.RateLimit(limit, time.Minute))
		}
		r.Get("/api/resolve", h.handleResolve)
	})
}

// handleIndex serves a short landing page.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>StreamRelay</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #0f0f0f; color: #fff; max-width: 720px; margin: 40px auto; padding: 0 20px; }
        code { background: #242424; padding: 2px 6px; border-radius: 4px; }
        li { margin: 8px 0; }
    </style>
</head>
<body>
    <h1>StreamRelay</h1>
    <p>Version %s</p>
    <ul>
        <li><code>GET /api/resolve?type=movie&amp;id=&lt;id&gt;</code></li>
        <li><code>GET /api/resolve?type=tv&amp;id=&lt;id&gt;&amp;season=1&amp;episode=1</code></li>
        <li><code>GET %s?url=&amp;source=&amp;referer=</code></li>
        <li><code>GET /api/info</code>, <code>GET /healthz</code>, <code>GET /metrics</code></li>
    </ul>
</body>
</html>`, version, h.ctx.Config.ProxyPath)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "running",
		"version":    version,
		"base_url":   h.ctx.BaseURL,
		"proxy_path": h.ctx.Config.ProxyPath,
		"providers":  h.ctx.Providers,
	})
}

// handleProxy serves GET /proxy?url=&source=&referer=.
func (h *Handlers) handleProxy(w http.ResponseWriter, r *http.Request) {
	session, err := services.ParseSession(r.URL.Query(), r.Header.Get("Range"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.ctx.Proxy.Serve(r.Context(), session)
	if err != nil {
		h.writeProxyError(w, r, session, err)
		return
	}

	if r.Method == http.MethodHead {
		resp.Body.Close()
		resp.Body = nil
	}
	h.writeStreamResponse(w, resp)
}

func (h *Handlers) writeProxyError(w http.ResponseWriter, r *http.Request, session types.ProxySession, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusBadRequest, verr.Error())
		return
	}

	var uerr *services.UpstreamError
	if errors.As(err, &uerr) {
		if r.Context().Err() != nil {
			h.log.Debug("player went away before upstream answered", "url", uerr.URL)
			return
		}
		h.writeJSON(w, uerr.Status(), map[string]interface{}{
			"error":           uerr.Error(),
			"upstream_status": uerr.StatusCode,
			"url":             uerr.URL,
			"source":          session.Source,
		})
		return
	}

	logging.FromContext(r.Context()).WithComponent("api").Error("proxy failed", "url", session.OriginURL, "error", err)
	h.writeError(w, http.StatusBadGateway, err.Error())
}

// resolveResponse is the /api/resolve body.
type resolveResponse struct {
	*types.Resolution
	Playback []playbackLink `json:"playback"`
}

type playbackLink struct {
	URL        string `json:"url"`
	ProxyURL   string `json:"proxy_url"`
	Unresolved bool   `json:"unresolved,omitempty"`
}

type attemptJSON struct {
	Provider string `json:"provider"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// handleResolve serves GET /api/resolve.
func (h *Handlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	target, opts, err := parseResolveRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.ctx.Resolver.Resolve(r.Context(), target, opts)
	if err != nil {
		h.writeResolveError(w, r, err)
		return
	}

	out := resolveResponse{
		Resolution: res,
		Playback:   make([]playbackLink, 0, len(res.Candidates)),
	}
	for _, c := range res.Candidates {
		out.Playback = append(out.Playback, playbackLink{
			URL:        c.URL,
			ProxyURL:   h.ctx.Linker.ProxyURL(c.URL, res.Provider, res.Referer),
			Unresolved: c.Unresolved,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		h.log.Debug("client went away before resolution finished", "error", err)
		return
	}

	switch {
	case errors.Is(err, resolver.ErrInvalidTarget):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, resolver.ErrNoProviders):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var rerr *resolver.Error
	if errors.As(err, &rerr) {
		attempts := make([]attemptJSON, len(rerr.Attempts))
		for i, a := range rerr.Attempts {
			attempts[i] = attemptJSON{Provider: a.Provider, Stage: string(a.Stage), Error: a.Err.Error()}
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    "resolution failed",
			"stage":    rerr.Stage,
			"attempts": attempts,
		})
		return
	}

	logging.FromContext(r.Context()).WithComponent("api").Error("resolve failed", "error", err)
	h.writeError(w, http.StatusBadGateway, err.Error())
}

// Helper methods

func parseResolveRequest(r *http.Request) (types.PlaybackTarget, interfaces.ResolveOptions, error) {
	q := r.URL.Query()
	var (
		target types.PlaybackTarget
		opts   interfaces.ResolveOptions
		err    error
	)

	target.MediaType, err = types.ParseMediaType(strings.ToLower(q.Get("type")))
	if err != nil {
		return target, opts, err
	}
	target.MediaID = strings.TrimSpace(q.Get("id"))

	if target.MediaType == types.MediaTypeEpisode {
		if target.Season, err = intParam(q.Get("season"), "season"); err != nil {
			return target, opts, err
		}
		if target.Episode, err = intParam(q.Get("episode"), "episode"); err != nil {
			return target, opts, err
		}
	}

	if opts.Probe, err = boolParam(q.Get("probe"), "probe"); err != nil {
		return target, opts, err
	}
	if opts.Fresh, err = boolParam(q.Get("fresh"), "fresh"); err != nil {
		return target, opts, err
	}

	return target, opts, target.Validate()
}

func intParam(s, name string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("%s parameter required", name)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter %q", name, s)
	}
	return n, nil
}

func boolParam(s, name string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter %q", name, s)
	}
	return b, nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) writeStreamResponse(w http.ResponseWriter, resp *types.StreamResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)

	if resp.Body != nil {
		defer resp.Body.Close()
		io.Copy(w, resp.Body)
	}
}
