package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

// ErrNoPlayable is returned when no candidate parses as a usable playlist.
var ErrNoPlayable = errors.New("no playable candidate")

// PageFetcher fetches candidate playlists. *httpclient.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, rawURL string, id httpclient.Identity) (*httpclient.Page, error)
}

// Prober checks candidates by fetching and parsing them as HLS.
type Prober struct {
	fetcher   PageFetcher
	userAgent string
	timeout   time.Duration
	log       *logging.Logger
}

// NewProber creates a prober. timeout bounds each candidate fetch.
func NewProber(log *logging.Logger, fetcher PageFetcher, userAgent string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		fetcher:   fetcher,
		userAgent: userAgent,
		timeout:   timeout,
		log:       log.WithComponent("prober"),
	}
}

// Probe fetches rawURL with referer and checks it is a master playlist with
// variants or a media playlist with segments.
func (p *Prober) Probe(ctx context.Context, rawURL, referer string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	page, err := p.fetcher.FetchPage(ctx, rawURL, httpclient.Identity{
		UserAgent: p.userAgent,
		Referer:   referer,
		Accept:    "application/vnd.apple.mpegurl, application/x-mpegurl, */*",
	})
	if err != nil {
		return err
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(page.Body), false)
	if err != nil {
		return fmt.Errorf("parse playlist: %w", err)
	}
	switch listType {
	case m3u8.MASTER:
		if len(playlist.(*m3u8.MasterPlaylist).Variants) == 0 {
			return errors.New("master playlist has no variants")
		}
	case m3u8.MEDIA:
		if playlist.(*m3u8.MediaPlaylist).Count() == 0 {
			return errors.New("media playlist has no segments")
		}
	default:
		return fmt.Errorf("unknown playlist type %v", listType)
	}
	return nil
}

// First probes candidates in order and returns the first playable URL.
// Candidates with unresolved placeholders are skipped.
func (p *Prober) First(ctx context.Context, candidates []types.CandidateManifestURL, referer string) (string, error) {
	var lastErr error
	tried := 0
	for i, c := range candidates {
		if c.Unresolved {
			continue
		}
		tried++
		err := p.Probe(ctx, c.URL, referer)
		if err == nil {
			p.log.Debug("candidate playable", "index", i, "url", c.URL)
			return c.URL, nil
		}
		lastErr = err
		p.log.Info("candidate not playable, trying next", "index", i, "url", c.URL, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		return "", ErrNoPlayable
	}
	return "", fmt.Errorf("%w after %d attempts: %w", ErrNoPlayable, tried, lastErr)
}
