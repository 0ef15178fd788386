package placeholder

import "streamrelay/pkg/types"

const mirrorDomain = "shadowlandschronicles."

var tlds = []string{"com", "net", "io", "org"}

// rotate returns tlds starting at index i.
func rotate(i int) []string {
	out := make([]string, 0, len(tlds))
	out = append(out, tlds[i])
	for j, v := range tlds {
		if j != i {
			out = append(out, v)
		}
	}
	return out
}

func mirrors(order []string) []string {
	out := make([]string, len(order))
	for i, tld := range order {
		out[i] = mirrorDomain + tld
	}
	return out
}

// DefaultTokens is the built-in mirror table. {vN} tokens expand to full
// mirror domains with the Nth TLD first; {sN} tokens are bare TLDs.
func DefaultTokens() []types.PlaceholderToken {
	return []types.PlaceholderToken{
		{Name: "v1", Values: mirrors(rotate(0))},
		{Name: "v2", Values: mirrors(rotate(1))},
		{Name: "v3", Values: mirrors(rotate(2))},
		{Name: "v4", Values: mirrors(rotate(3))},
		{Name: "v5", Values: mirrors(rotate(0))},
		{Name: "s1", Values: []string{"com"}},
		{Name: "s2", Values: []string{"net"}},
		{Name: "s3", Values: []string{"io"}},
		{Name: "s4", Values: []string{"org"}},
	}
}

// Merge overlays custom token definitions onto base by name.
func Merge(base, overlay []types.PlaceholderToken) []types.PlaceholderToken {
	out := make([]types.PlaceholderToken, 0, len(base)+len(overlay))
	out = append(out, base...)
	return append(out, overlay...)
}
