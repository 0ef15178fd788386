// Package resolver composes the chain walker, payload decoder and placeholder
// expander into the resolution entry point.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/placeholder"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/types"
	"streamrelay/pkg/urlutil"
)

// Stage names the pipeline stage a provider failed at.
type Stage string

const (
	StageChain  Stage = "chain"
	StageDecode Stage = "decode"
	StageExpand Stage = "expand"
	StageProbe  Stage = "probe"
)

var (
	// ErrInvalidTarget wraps target validation failures.
	ErrInvalidTarget = errors.New("invalid playback target")
	// ErrNoProviders is returned when the registry is empty.
	ErrNoProviders = errors.New("no providers registered")
)

// Attempt is one provider's failed resolution.
type Attempt struct {
	Provider string `json:"provider"`
	Stage    Stage  `json:"stage"`
	Err      error  `json:"-"`
}

// Error reports that every provider failed. Stage is the stage the last
// provider failed at.
type Error struct {
	Stage    Stage
	Attempts []Attempt
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s failed at %s: %v", a.Provider, a.Stage, a.Err)
	}
	return "resolve: " + strings.Join(parts, "; ")
}

// Unwrap exposes every provider's error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Options configures a Resolver.
type Options struct {
	// Referer is handed to the proxy for manifest fetches. When empty the
	// origin of the last hop is used.
	Referer   string
	CacheTTL  time.Duration
	CacheSize int
	// Probe makes every resolution probe its candidates.
	Probe bool
	// Timeout bounds one shared resolution run. Zero means one minute.
	Timeout time.Duration
}

// Resolver turns a playback target into ordered candidate manifest URLs.
type Resolver struct {
	providers *registry.ProviderRegistry
	decoder   interfaces.PayloadDecoder
	expander  interfaces.PlaceholderExpander
	prober    *Prober
	cache     *expirable.LRU[string, *types.Resolution]
	group     singleflight.Group
	opts      Options
	log       *logging.Logger
}

// New creates a resolver. prober may be nil, which disables probing. A zero
// CacheSize or CacheTTL disables caching.
func New(
	log *logging.Logger,
	providers *registry.ProviderRegistry,
	decoder interfaces.PayloadDecoder,
	expander interfaces.PlaceholderExpander,
	prober *Prober,
	opts Options,
) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	r := &Resolver{
		providers: providers,
		decoder:   decoder,
		expander:  expander,
		prober:    prober,
		opts:      opts,
		log:       log.WithComponent("resolver"),
	}
	if opts.CacheSize > 0 && opts.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, *types.Resolution](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

// Resolve walks providers in order until one yields candidates. Concurrent
// calls for the same target share one run. The returned resolution is shared
// with the cache and must not be modified.
func (r *Resolver) Resolve(ctx context.Context, target types.PlaybackTarget, ro interfaces.ResolveOptions) (*types.Resolution, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	probe := (ro.Probe || r.opts.Probe) && r.prober != nil
	key := target.Key()
	if probe {
		key += "|probe"
	}

	if r.cache != nil && !ro.Fresh {
		if res, ok := r.cache.Get(key); ok {
			metrics.ResolveCacheHits.Inc()
			r.log.Debug("resolution served from cache", "target", key)
			return res, nil
		}
	}

	// The run outlives any single caller; each caller stops waiting on its
	// own context.
	ch := r.group.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeout)
		defer cancel()
		res, err := r.resolve(runCtx, target, probe)
		if err == nil && r.cache != nil {
			r.cache.Add(key, res)
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		if out.Shared {
			r.log.Debug("resolution shared with concurrent caller", "target", key)
		}
		return out.Val.(*types.Resolution), nil
	}
}

func (r *Resolver) resolve(ctx context.Context, target types.PlaybackTarget, probe bool) (*types.Resolution, error) {
	providers := r.providers.All()
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	log := r.log.WithTarget(target.Key())
	attempts := make([]Attempt, 0, len(providers))
	for i, p := range providers {
		if i > 0 {
			log.Info("falling back to next provider",
				"failed", providers[i-1].Name(),
				"next", p.Name(),
			)
		}

		res, stage, err := r.resolveWith(ctx, p, target, probe)
		if err == nil {
			metrics.IncResolve(true, "")
			metrics.ResolveCandidates.Observe(float64(len(res.Candidates)))
			log.Info("target resolved",
				"provider", p.Name(),
				"strategy", res.StrategyID,
				"candidates", len(res.Candidates),
				"playable", res.Playable,
			)
			return res, nil
		}

		log.Warn("provider failed",
			"provider", p.Name(),
			"stage", stage,
			"error", err,
		)
		attempts = append(attempts, Attempt{Provider: p.Name(), Stage: stage, Err: err})
		if ctx.Err() != nil {
			break
		}
	}

	e := &Error{Stage: attempts[len(attempts)-1].Stage, Attempts: attempts}
	metrics.IncResolve(false, string(e.Stage))
	return nil, e
}

func (r *Resolver) resolveWith(ctx context.Context, p interfaces.ChainWalker, target types.PlaybackTarget, probe bool) (*types.Resolution, Stage, error) {
	payload, hops, err := p.Walk(ctx, target)
	if err != nil {
		return nil, StageChain, err
	}

	manifest, err := r.decoder.Decode(*payload)
	if err != nil {
		return nil, StageDecode, err
	}
	manifest.Placeholders = placeholder.Names(manifest.Template)

	templates := manifest.Templates()
	candidates := r.expander.ExpandAll(templates)
	if len(candidates) == 0 {
		return nil, StageExpand, fmt.Errorf("no candidates from template %q", manifest.Template)
	}
	if err := r.expander.Unresolved(templates); err != nil {
		r.log.Warn("placeholders left unresolved", "provider", p.Name(), "error", err)
	}

	// Hop pages are only needed while walking; cached resolutions keep the trace.
	trace := make([]types.ChainHop, len(hops))
	for i, h := range hops {
		h.ResponseBody = ""
		trace[i] = h
	}

	res := &types.Resolution{
		Target:     target,
		Provider:   p.Name(),
		Referer:    r.referer(hops),
		StrategyID: manifest.StrategyID,
		Manifest:   *manifest,
		Candidates: candidates,
		Hops:       trace,
	}

	if probe {
		playable, err := r.prober.First(ctx, candidates, res.Referer)
		if err != nil {
			return nil, StageProbe, err
		}
		res.Playable = playable
	}
	return res, "", nil
}

func (r *Resolver) referer(hops []types.ChainHop) string {
	if r.opts.Referer != "" {
		return r.opts.Referer
	}
	if len(hops) > 0 {
		if origin := urlutil.GetSchemeHost(hops[len(hops)-1].RequestURL); origin != "" {
			return origin + "/"
		}
	}
	return ""
}

var _ interfaces.Resolver = (*Resolver)(nil)
