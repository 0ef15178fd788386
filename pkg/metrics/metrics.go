// Package metrics exposes Prometheus collectors for resolution and proxying.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HopDuration tracks the latency of each chain hop request.
	HopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamrelay_chain_hop_duration_seconds",
		Help:    "Time taken by one chain hop request",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
	}, []string{"provider", "hop"})

	// HopFailures counts aborted walks by the hop that failed.
	HopFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_chain_hop_failures_total",
		Help: "Chain walks aborted, by provider and failing hop",
	}, []string{"provider", "hop", "reason"})

	// DecodeSuccess counts payloads decoded, by the strategy that matched.
	DecodeSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_decode_success_total",
		Help: "Payloads decoded by strategy",
	}, []string{"strategy"})

	// DecodeExhausted counts payloads no strategy could decode.
	DecodeExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamrelay_decode_exhausted_total",
		Help: "Payloads for which every decode strategy failed",
	})

	// ResolveTotal counts resolution runs by outcome and stage.
	ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_resolve_total",
		Help: "Resolution runs by result and failing stage",
	}, []string{"result", "stage"})

	// ResolveCandidates tracks how many candidate URLs a resolution produced.
	ResolveCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamrelay_resolve_candidates",
		Help:    "Candidate manifest URLs produced per resolution",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	// ResolveCacheHits counts resolutions served from cache.
	ResolveCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamrelay_resolve_cache_hits_total",
		Help: "Resolutions served from the in-memory cache",
	})

	// ProxyRequests counts proxied requests by kind and upstream status.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_proxy_requests_total",
		Help: "Proxied requests by response kind and status",
	}, []string{"kind", "status"})

	// ProxyUpstreamDuration tracks time to upstream response headers.
	ProxyUpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamrelay_proxy_upstream_duration_seconds",
		Help:    "Time to upstream response headers",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"kind"})

	// ManifestURIsRewritten counts URIs rewritten into proxy URLs.
	ManifestURIsRewritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamrelay_manifest_uris_rewritten_total",
		Help: "Manifest URIs rewritten to route through the proxy",
	})
)

// ObserveHop records a hop's latency.
func ObserveHop(provider, hop string, d time.Duration) {
	HopDuration.WithLabelValues(provider, hop).Observe(d.Seconds())
}

// IncHopFailure records an aborted walk.
func IncHopFailure(provider, hop, reason string) {
	HopFailures.WithLabelValues(provider, hop, reason).Inc()
}

// IncDecodeSuccess records the strategy that decoded a payload.
func IncDecodeSuccess(strategy string) {
	DecodeSuccess.WithLabelValues(strategy).Inc()
}

// IncResolve records a resolution outcome. stage is empty on success.
func IncResolve(success bool, stage string) {
	if success {
		stage = "none"
	}
	ResolveTotal.WithLabelValues(result(success), stage).Inc()
}

// IncProxyRequest records a proxied request.
func IncProxyRequest(kind string, status int) {
	ProxyRequests.WithLabelValues(kind, strconv.Itoa(status)).Inc()
}

// ObserveProxyUpstream records upstream latency for a proxied request.
func ObserveProxyUpstream(kind string, d time.Duration) {
	ProxyUpstreamDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
