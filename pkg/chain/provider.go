package chain

import (
	"fmt"
	"strconv"
	"strings"

	"streamrelay/pkg/types"
	"streamrelay/pkg/urlutil"
)

// Hop is one step of a provider's chain.
type Hop struct {
	Name string
	Rule Rule
	// Next builds the following hop's URL from the extracted token and the URL
	// the token was found on. It is nil for the terminal hop.
	Next func(token, pageURL string) (string, error)
}

// Provider is a complete chain definition.
type Provider struct {
	Name     string
	FirstURL func(target types.PlaybackTarget) (string, error)
	Hops     []Hop
}

// Validate checks the definition is walkable.
func (p Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider has no name")
	}
	if p.FirstURL == nil {
		return fmt.Errorf("provider %s has no first hop url", p.Name)
	}
	if len(p.Hops) == 0 {
		return fmt.Errorf("provider %s has no hops", p.Name)
	}
	for i, h := range p.Hops {
		if h.Rule.Extract == nil {
			return fmt.Errorf("provider %s hop %d has no extraction rule", p.Name, i)
		}
		if i < len(p.Hops)-1 && h.Next == nil {
			return fmt.Errorf("provider %s hop %d cannot build the next url", p.Name, i)
		}
	}
	return nil
}

// EmbedURL builds the embed page URL for target under base.
func EmbedURL(base string, target types.PlaybackTarget) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	base = strings.TrimRight(base, "/")
	switch target.MediaType {
	case types.MediaTypeMovie:
		return base + "/embed/movie/" + target.MediaID, nil
	default:
		return base + "/embed/tv/" + target.MediaID + "/" + strconv.Itoa(target.Season) + "/" + strconv.Itoa(target.Episode), nil
	}
}

// VidSrc returns the three-hop chain: embed page, rcp page, player page.
func VidSrc(name, embedBase, playerBase string) Provider {
	playerBase = strings.TrimRight(playerBase, "/")
	return Provider{
		Name: name,
		FirstURL: func(t types.PlaybackTarget) (string, error) {
			return EmbedURL(embedBase, t)
		},
		Hops: []Hop{
			{
				Name: "embed",
				Rule: EmbedDataHash,
				Next: func(hash, _ string) (string, error) {
					return playerBase + "/rcp/" + hash, nil
				},
			},
			{
				Name: "rcp",
				Rule: RCPPlayerPath,
				Next: func(path, pageURL string) (string, error) {
					next := urlutil.ResolveURL(path, pageURL)
					if !urlutil.IsHTTP(next) {
						return "", fmt.Errorf("player path %q does not resolve against %q", path, pageURL)
					}
					return next, nil
				},
			},
			{
				Name: "player",
				Rule: PlayerHiddenPayload,
			},
		},
	}
}
