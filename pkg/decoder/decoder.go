// Package decoder recovers manifest URLs from obfuscated player payloads by
// trying an ordered table of transform pipelines.
package decoder

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/types"
)

// ErrEmptyPayload is returned for a blank payload.
var ErrEmptyPayload = errors.New("decoder: empty payload")

// ExhaustedError is returned when no pipeline yields a manifest-shaped URL.
type ExhaustedError struct {
	Attempted []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("decoder: no strategy produced a manifest url (%d attempted)", len(e.Attempted))
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithPipelines replaces the built-in strategy table.
func WithPipelines(ps []Pipeline) Option {
	return func(d *Decoder) {
		d.pipelines = ps
	}
}

// WithPreferLast moves the most recent winning strategy to the front of the order.
func WithPreferLast(enabled bool) Option {
	return func(d *Decoder) {
		d.preferLast = enabled
	}
}

// Decoder tries pipelines in order and returns the first manifest-shaped result.
// It is safe for concurrent use.
type Decoder struct {
	pipelines  []Pipeline
	preferLast bool
	last       atomic.Int64 // index+1 of the last winner, 0 when unset
	log        *logging.Logger
}

// New creates a Decoder with the default strategy table.
func New(log *logging.Logger, opts ...Option) *Decoder {
	d := &Decoder{
		pipelines: DefaultPipelines(),
		log:       log.WithComponent("decoder"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Pipelines returns the strategy table in attempt order.
func (d *Decoder) Pipelines() []Pipeline {
	out := make([]Pipeline, len(d.pipelines))
	copy(out, d.pipelines)
	return out
}

// Decode runs the strategy table against p and returns the decoded manifest URL.
func (d *Decoder) Decode(p types.EncodedPayload) (*types.ResolvedManifestURL, error) {
	raw := strings.TrimSpace(p.Raw)
	if raw == "" {
		return nil, ErrEmptyPayload
	}

	attempted := make([]string, 0, len(d.pipelines))
	for _, i := range d.order() {
		pl := d.pipelines[i]
		attempted = append(attempted, pl.ID)

		out, err := pl.Apply(raw, p.CompanionElementID)
		if err != nil {
			continue
		}
		urls := ManifestURLs(out)
		if len(urls) == 0 {
			continue
		}

		if d.preferLast {
			d.last.Store(int64(i) + 1)
		}
		metrics.IncDecodeSuccess(pl.ID)
		d.log.Info("payload decoded",
			"strategy", pl.ID,
			"attempts", len(attempted),
			"urls", len(urls),
		)
		return &types.ResolvedManifestURL{
			Template:   urls[0],
			Alternates: urls[1:],
			StrategyID: pl.ID,
		}, nil
	}

	metrics.DecodeExhausted.Inc()
	d.log.Warn("no decode strategy matched",
		"attempts", len(attempted),
		"payload_len", len(raw),
		"element_id", p.CompanionElementID,
	)
	return nil, &ExhaustedError{Attempted: attempted}
}

func (d *Decoder) order() []int {
	idx := make([]int, 0, len(d.pipelines))
	first := -1
	if d.preferLast {
		if v := d.last.Load(); v > 0 && int(v) <= len(d.pipelines) {
			first = int(v) - 1
			idx = append(idx, first)
		}
	}
	for i := range d.pipelines {
		if i != first {
			idx = append(idx, i)
		}
	}
	return idx
}
