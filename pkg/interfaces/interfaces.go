// Package interfaces defines the core abstractions for resolution and playback
// proxying. Providers, stream handlers and services implement these, so the
// HTTP layer and the resolver can be tested against fakes.
package interfaces

import (
	"context"

	"streamrelay/pkg/types"
)

// ChainWalker walks one provider's hop chain for a target.
//
// To add a new provider:
// 1. Define its hops and extraction rules in pkg/chain/
// 2. Wrap them in a chain.Walker
// 3. Register it in the ProviderRegistry (see internal/app)
type ChainWalker interface {
	// Name returns a unique identifier for this provider.
	Name() string

	// Walk performs every hop in order and returns the terminal payload along
	// with the hops that were attempted.
	Walk(ctx context.Context, target types.PlaybackTarget) (*types.EncodedPayload, []types.ChainHop, error)
}

// PayloadDecoder turns an encoded payload into a manifest URL template.
type PayloadDecoder interface {
	Decode(payload types.EncodedPayload) (*types.ResolvedManifestURL, error)
}

// PlaceholderExpander expands manifest URL templates into concrete candidates.
type PlaceholderExpander interface {
	ExpandAll(templates []string) []types.CandidateManifestURL
	Unresolved(templates []string) error
}

// ResolveOptions tunes a single resolution run.
type ResolveOptions struct {
	// Probe fetches candidates in order and reports the first playable one.
	Probe bool
	// Fresh bypasses the resolution cache.
	Fresh bool
}

// Resolver is the resolution entry point consumed by the API layer.
type Resolver interface {
	Resolve(ctx context.Context, target types.PlaybackTarget, opts ResolveOptions) (*types.Resolution, error)
}

// StreamHandler turns an upstream response into the body served to the player.
//
// To add a new stream type:
// 1. Create a new file in pkg/handlers/streams/
// 2. Implement this interface
// 3. Register it in the StreamHandlerRegistry ahead of the segment fallback
type StreamHandler interface {
	// Kind returns the stream kind this handler serves.
	Kind() types.StreamKind

	// CanHandle reports whether the upstream body is this handler's kind,
	// judged from the declared content type and the first bytes.
	CanHandle(contentType string, head []byte) bool

	// Handle produces the response for the player. It takes ownership of up.Body.
	Handle(ctx context.Context, up *types.UpstreamResponse, session types.ProxySession) (*types.StreamResponse, error)
}

// PlaybackProxy serves one proxied player request.
type PlaybackProxy interface {
	Serve(ctx context.Context, session types.ProxySession) (*types.StreamResponse, error)
}

// ProxyLinker builds player-facing proxy URLs.
type ProxyLinker interface {
	ProxyURL(target, source, referer string) string
}

// Registry is a generic interface for component registries.
type Registry[T any] interface {
	// Register adds a component to the registry.
	Register(component T)

	// All returns all registered components in registration order.
	All() []T
}
