// Package chain walks a provider's hop chain from the embed page to the
// player page hosting the encoded payload.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/types"
)

// HopError reports the hop at which a walk aborted.
type HopError struct {
	Provider string
	Index    int
	Hop      string
	Rule     string
	URL      string
	Err      error
}

func (e *HopError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("chain %s: hop %d (%s, rule %s) %s: %v", e.Provider, e.Index, e.Hop, e.Rule, e.URL, e.Err)
	}
	return fmt.Sprintf("chain %s: hop %d (%s) %s: %v", e.Provider, e.Index, e.Hop, e.URL, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// PageFetcher fetches hop documents. *httpclient.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string, id httpclient.Identity) (*httpclient.Page, error)
}

// Options configures a Walker.
type Options struct {
	AppReferer string
	UserAgent  string
	HopTimeout time.Duration
	// HopRate limits hop requests per second across all walks of this provider.
	// Zero disables limiting.
	HopRate  float64
	HopBurst int
}

// Walker performs a provider's hops strictly in order.
type Walker struct {
	provider Provider
	fetcher  PageFetcher
	opts     Options
	limiter  *rate.Limiter
	log      *logging.Logger
}

// NewWalker creates a walker for provider.
func NewWalker(provider Provider, fetcher PageFetcher, opts Options, log *logging.Logger) (*Walker, error) {
	if err := provider.Validate(); err != nil {
		return nil, err
	}
	if opts.HopTimeout <= 0 {
		opts.HopTimeout = 15 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.HopRate > 0 {
		burst := opts.HopBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.HopRate), burst)
	}
	return &Walker{
		provider: provider,
		fetcher:  fetcher,
		opts:     opts,
		limiter:  limiter,
		log:      log.WithComponent("chain").WithProvider(provider.Name),
	}, nil
}

// Name returns the provider name.
func (w *Walker) Name() string {
	return w.provider.Name
}

// Walk performs every hop for target. On failure the returned hops include the
// failing one and the error is a *HopError.
func (w *Walker) Walk(ctx context.Context, target types.PlaybackTarget) (*types.EncodedPayload, []types.ChainHop, error) {
	reqURL, err := w.provider.FirstURL(target)
	if err != nil {
		return nil, nil, w.fail(0, w.provider.Hops[0], "", "build", err)
	}
	referer := w.opts.AppReferer

	hops := make([]types.ChainHop, 0, len(w.provider.Hops))
	last := len(w.provider.Hops) - 1

	for i, hop := range w.provider.Hops {
		rec := types.ChainHop{
			Index:      i,
			Name:       hop.Name,
			RequestURL: reqURL,
			Referer:    referer,
		}

		page, err := w.fetch(ctx, hop, reqURL, referer)
		if page != nil {
			rec.StatusCode = page.StatusCode
			rec.ResponseBody = page.Body
		}
		if err != nil {
			hops = append(hops, rec)
			return nil, hops, w.fail(i, hop, reqURL, "fetch", err)
		}

		ex, err := hop.Rule.Extract(NewPage(page.URL, page.Body))
		if err != nil {
			hops = append(hops, rec)
			return nil, hops, w.fail(i, hop, reqURL, "extract", err)
		}
		rec.ExtractedToken = ex.Token
		hops = append(hops, rec)

		w.log.Debug("hop extracted",
			"hop", i,
			"name", hop.Name,
			"rule", hop.Rule.Name,
			"status", page.StatusCode,
			"token_len", len(ex.Token),
		)

		if i == last {
			if ex.Payload == nil {
				return nil, hops, w.fail(i, hop, reqURL, "extract", errors.New("terminal rule produced no payload"))
			}
			return ex.Payload, hops, nil
		}

		next, err := hop.Next(ex.Token, page.URL)
		if err != nil {
			return nil, hops, w.fail(i, hop, reqURL, "next", err)
		}
		referer = reqURL
		reqURL = next
	}

	// Unreachable: Validate guarantees at least one hop.
	return nil, hops, errors.New("chain has no hops")
}

func (w *Walker) fetch(ctx context.Context, hop Hop, reqURL, referer string) (*httpclient.Page, error) {
	hopCtx, cancel := context.WithTimeout(ctx, w.opts.HopTimeout)
	defer cancel()

	if err := w.limiter.Wait(hopCtx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	page, err := w.fetcher.FetchPage(hopCtx, reqURL, httpclient.Identity{
		UserAgent: w.opts.UserAgent,
		Referer:   referer,
	})
	metrics.ObserveHop(w.provider.Name, hop.Name, time.Since(start))
	return page, err
}

func (w *Walker) fail(index int, hop Hop, reqURL, reason string, err error) error {
	metrics.IncHopFailure(w.provider.Name, hop.Name, reason)
	w.log.Warn("chain walk aborted",
		"hop", index,
		"name", hop.Name,
		"rule", hop.Rule.Name,
		"url", reqURL,
		"reason", reason,
		"error", err,
	)
	return &HopError{
		Provider: w.provider.Name,
		Index:    index,
		Hop:      hop.Name,
		Rule:     hop.Rule.Name,
		URL:      reqURL,
		Err:      err,
	}
}

var _ interfaces.ChainWalker = (*Walker)(nil)
