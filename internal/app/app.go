// Package app provides the main application setup and dependency injection.
package app

import (
	"fmt"

	"streamrelay/pkg/appctx"
	"streamrelay/pkg/chain"
	"streamrelay/pkg/config"
	"streamrelay/pkg/decoder"
	"streamrelay/pkg/handlers/api"
	"streamrelay/pkg/handlers/streams"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/placeholder"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/resolver"
	"streamrelay/pkg/server"
	"streamrelay/pkg/services"
)

// App is the main application container.
type App struct {
	Ctx            *appctx.Context
	Server         *server.Server
	HTTPClient     *httpclient.Client
	StreamHandlers *registry.StreamHandlerRegistry
	Providers      *registry.ProviderRegistry
}

// New creates and initializes the application.
func New() (*App, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing StreamRelay", "port", cfg.Port, "log_level", cfg.LogLevel)

	// Create application context
	ctx := appctx.New(cfg, log)

	// Create HTTP client
	httpClient := httpclient.New(cfg, log)

	// Register providers
	providers := registry.NewProviderRegistry()
	if err := registerProviders(providers, cfg, httpClient, log); err != nil {
		return nil, err
	}

	// Build the resolution pipeline
	var prober *resolver.Prober
	if cfg.ProbeCandidates {
		prober = resolver.NewProber(log, httpClient, cfg.UserAgent, cfg.HopTimeout)
	}
	dec := decoder.New(log, decoder.WithPreferLast(cfg.DecoderPreferLast))
	log.Info("payload decoder ready", "strategies", len(dec.Pipelines()), "prefer_last", cfg.DecoderPreferLast)
	res := resolver.New(
		log,
		providers,
		dec,
		placeholder.NewTable(placeholder.Merge(placeholder.DefaultTokens(), cfg.Placeholders)),
		prober,
		resolver.Options{
			CacheTTL:  cfg.ResolveCacheTTL,
			CacheSize: cfg.ResolveCacheSize,
			Probe:     cfg.ProbeCandidates,
			Timeout:   cfg.ResolveTimeout,
		},
	)
	ctx.WithResolver(res, providers.Names())

	// Register stream handlers
	streamHandlers := registry.NewStreamHandlerRegistry()
	hlsHandler := registerStreamHandlers(streamHandlers, cfg, log)
	ctx.WithLinker(hlsHandler)

	// Create proxy service
	proxyService := services.NewProxyService(log, httpClient, streamHandlers, services.ProxyOptions{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.ProxyTimeout,
	})
	ctx.WithProxy(proxyService)

	// Create HTTP server
	srv := server.New(cfg, log)

	// Create API handlers
	handlers := api.NewHandlers(ctx)
	handlers.RegisterRoutes(srv.Router())

	return &App{
		Ctx:            ctx,
		Server:         srv,
		HTTPClient:     httpClient,
		StreamHandlers: streamHandlers,
		Providers:      providers,
	}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Ctx.Log.Info("starting StreamRelay server", "port", a.Ctx.Config.Port, "providers", a.Ctx.Providers)
	return a.Server.Start()
}

// Shutdown releases pooled upstream connections.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")
	a.HTTPClient.CloseIdleConnections()
}

// registerProviders registers the chain walkers in fallback order.
// Add new providers here by:
// 1. Describing the hop chain in pkg/chain/
// 2. Registering a walker for it below
func registerProviders(
	reg *registry.ProviderRegistry,
	cfg *config.Config,
	client *httpclient.Client,
	log *logging.Logger,
) error {
	opts := chain.Options{
		AppReferer: cfg.AppReferer,
		UserAgent:  cfg.UserAgent,
		HopTimeout: cfg.HopTimeout,
		HopRate:    cfg.HopRate,
		HopBurst:   cfg.HopBurst,
	}

	embeds := []struct {
		name string
		base string
	}{
		{"vidsrc", cfg.EmbedBaseURL},
		{"vidsrc-alt", cfg.AltEmbedBaseURL},
	}
	for _, e := range embeds {
		if e.base == "" {
			continue
		}
		w, err := chain.NewWalker(chain.VidSrc(e.name, e.base, cfg.PlayerBaseURL), client, opts, log)
		if err != nil {
			return fmt.Errorf("provider %s: %w", e.name, err)
		}
		reg.Register(w)
	}

	log.Info("registered providers", "providers", reg.Names())
	return nil
}

// registerStreamHandlers registers the manifest handler ahead of the segment
// fallback and returns it for building playback links.
func registerStreamHandlers(
	reg *registry.StreamHandlerRegistry,
	cfg *config.Config,
	log *logging.Logger,
) *streams.HLSHandler {
	hlsHandler := streams.NewHLSHandler(log, cfg.BaseURL, cfg.ProxyPath, cfg.ManifestMaxBytes,
		streams.WithAPIPassword(cfg.APIPassword))
	reg.Register(hlsHandler)

	reg.SetFallback(streams.NewSegmentHandler(log))

	log.Info("registered stream handlers", "count", len(reg.All())+1) // +1 for fallback
	return hlsHandler
}
