// Package types defines core domain types used throughout the application.
package types

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// MediaType identifies what kind of title a PlaybackTarget refers to.
type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "tv"
)

// ParseMediaType accepts the spellings used by the UI layer.
func ParseMediaType(s string) (MediaType, error) {
	switch s {
	case "movie":
		return MediaTypeMovie, nil
	case "tv", "episode", "series":
		return MediaTypeEpisode, nil
	default:
		return "", fmt.Errorf("unknown media type %q", s)
	}
}

// PlaybackTarget is the immutable input to a resolution run.
type PlaybackTarget struct {
	MediaID   string    `json:"media_id"`
	MediaType MediaType `json:"media_type"`
	Season    int       `json:"season,omitempty"`
	Episode   int       `json:"episode,omitempty"`
}

// Validate checks that the target can be turned into a first hop URL.
func (t PlaybackTarget) Validate() error {
	if t.MediaID == "" {
		return fmt.Errorf("media id is required")
	}
	for _, r := range t.MediaID {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_') {
			return fmt.Errorf("media id %q contains invalid characters", t.MediaID)
		}
	}
	switch t.MediaType {
	case MediaTypeMovie:
		return nil
	case MediaTypeEpisode:
		if t.Season < 1 || t.Episode < 1 {
			return fmt.Errorf("season and episode are required for %s targets", t.MediaType)
		}
		return nil
	default:
		return fmt.Errorf("unknown media type %q", t.MediaType)
	}
}

// Key returns a stable cache key for the target.
func (t PlaybackTarget) Key() string {
	if t.MediaType == MediaTypeEpisode {
		return string(t.MediaType) + ":" + t.MediaID + ":" + strconv.Itoa(t.Season) + ":" + strconv.Itoa(t.Episode)
	}
	return string(t.MediaType) + ":" + t.MediaID
}

// ChainHop records one request/response step of a chain walk.
type ChainHop struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	RequestURL     string `json:"request_url"`
	Referer        string `json:"referer"`
	StatusCode     int    `json:"status_code"`
	ResponseBody   string `json:"-"`
	ExtractedToken string `json:"extracted_token,omitempty"`
}

// EncodedPayload is the opaque text produced by the terminal hop.
type EncodedPayload struct {
	Raw                string `json:"-"`
	CompanionElementID string `json:"companion_element_id"`
}

// ResolvedManifestURL is a decoded manifest URL that may still carry placeholders.
type ResolvedManifestURL struct {
	Template     string   `json:"template"`
	Alternates   []string `json:"alternates,omitempty"`
	Placeholders []string `json:"placeholders,omitempty"`
	StrategyID   string   `json:"strategy_id"`
}

// Templates returns the primary template followed by any alternates.
func (r ResolvedManifestURL) Templates() []string {
	out := make([]string, 0, 1+len(r.Alternates))
	out = append(out, r.Template)
	return append(out, r.Alternates...)
}

// PlaceholderToken is a CDN/domain variable with its ordered candidate values.
type PlaceholderToken struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values" yaml:"values"`
}

// CandidateManifestURL is a fully expanded manifest URL.
// Unresolved is set when a placeholder had no configured value and was left literal.
type CandidateManifestURL struct {
	URL        string `json:"url"`
	Unresolved bool   `json:"unresolved,omitempty"`
}

// Resolution is the outcome of a full resolution run.
type Resolution struct {
	Target     PlaybackTarget         `json:"target"`
	Provider   string                 `json:"provider"`
	Referer    string                 `json:"referer"`
	StrategyID string                 `json:"strategy_id"`
	Manifest   ResolvedManifestURL    `json:"manifest"`
	Candidates []CandidateManifestURL `json:"candidates"`
	Hops       []ChainHop             `json:"hops"`
	Playable   string                 `json:"playable,omitempty"`
}

// ProxySession carries everything needed to proxy one player request.
// It is rebuilt from query parameters on every request.
type ProxySession struct {
	OriginURL string
	Source    string
	Referer   string
	Range     string
}

// StreamKind classifies a proxied upstream body.
type StreamKind string

const (
	StreamKindManifest StreamKind = "manifest"
	StreamKindSegment  StreamKind = "segment"
)

// UpstreamResponse is a fetched upstream body with its first bytes already peeked.
// Body still yields the full content, including Head.
type UpstreamResponse struct {
	URL        string // final URL after redirects
	StatusCode int
	Header     http.Header
	Head       []byte
	Body       io.ReadCloser
}

// StreamResponse represents the result of stream processing.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
}
