// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"fmt"
	"strings"

	"streamrelay/pkg/config"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config    *config.Config
	Log       *logging.Logger
	Proxy     interfaces.PlaybackProxy
	Resolver  interfaces.Resolver
	Linker    interfaces.ProxyLinker
	Providers []string
	BaseURL   string
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: base,
	}
}

// WithProxy sets the playback proxy.
func (c *Context) WithProxy(p interfaces.PlaybackProxy) *Context {
	c.Proxy = p
	return c
}

// WithResolver sets the resolver.
func (c *Context) WithResolver(r interfaces.Resolver, providers []string) *Context {
	c.Resolver = r
	c.Providers = providers
	return c
}

// WithLinker sets the proxy URL builder used for playback links.
func (c *Context) WithLinker(l interfaces.ProxyLinker) *Context {
	c.Linker = l
	return c
}
