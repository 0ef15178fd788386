package decoder

import (
	"regexp"
	"strings"
)

// Pipeline is a named, ordered composition of primitive steps.
type Pipeline struct {
	ID    string
	Rank  int
	Steps []Step
}

// NewPipeline builds a pipeline whose id is derived from its steps.
func NewPipeline(steps ...Step) Pipeline {
	return Pipeline{ID: pipelineID(steps), Steps: steps}
}

func pipelineID(steps []Step) string {
	if len(steps) == 0 {
		return "plain"
	}
	parts := make([]string, len(steps))
	for i, s := range steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

// Apply runs every step in order against raw.
func (p Pipeline) Apply(raw, elementID string) (string, error) {
	data := []byte(raw)
	for _, s := range p.Steps {
		out, err := s.apply(data, elementID)
		if err != nil {
			return "", err
		}
		data = out
	}
	return string(data), nil
}

// Encode is the inverse of Apply: Apply(Encode(x)) == x.
func (p Pipeline) Encode(plain, elementID string) (string, error) {
	data := []byte(plain)
	for i := len(p.Steps) - 1; i >= 0; i-- {
		out, err := p.Steps[i].invert(data, elementID)
		if err != nil {
			return "", err
		}
		data = out
	}
	return string(data), nil
}

// ShiftRange is the ordered set of caesar offsets tried by shift pipelines.
var ShiftRange = []int{-3, 3, -1, 1, -2, 2, -4, 4, -5, 5}

// defaultPipelines is the static strategy table. New obfuscation variants are appended.
var defaultPipelines = buildPipelines()

// DefaultPipelines returns a copy of the built-in ordered strategy table.
func DefaultPipelines() []Pipeline {
	out := make([]Pipeline, len(defaultPipelines))
	copy(out, defaultPipelines)
	return out
}

// Lookup returns the built-in pipeline with the given id.
func Lookup(id string) (Pipeline, bool) {
	for _, p := range defaultPipelines {
		if p.ID == id {
			return p, true
		}
	}
	return Pipeline{}, false
}

func buildPipelines() []Pipeline {
	var out []Pipeline
	add := func(steps ...Step) {
		p := NewPipeline(steps...)
		p.Rank = len(out)
		out = append(out, p)
	}

	bases := []Step{Base64URL, Base64Std, Base64Custom, Hex}

	add()
	add(Reverse)
	for _, b := range bases {
		add(b)
		add(Reverse, b)
	}
	for _, b := range bases {
		add(b, Inflate)
		add(Reverse, b, Inflate)
	}
	add(XORElement)
	for _, b := range bases {
		add(b, XORElement)
		add(Reverse, b, XORElement)
	}
	for _, b := range bases {
		add(b, XORElement, Inflate)
	}
	add(Hex, XORIndex)
	add(Base64Std, XORIndex)
	for _, n := range ShiftRange {
		add(Shift(n))
	}
	for _, b := range bases {
		for _, n := range ShiftRange {
			add(b, Shift(n))
			add(Reverse, b, Shift(n))
		}
	}
	for _, n := range ShiftRange {
		add(Reverse, Base64URL, Shift(n), Inflate)
		add(Shift(n), Base64Std)
	}
	return out
}

// ManifestTokens are the substrings that mark a decoded URL as a playlist.
var ManifestTokens = []string{".m3u8", "master.txt"}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// IsManifestShaped reports whether s contains an http(s) URL naming a manifest.
func IsManifestShaped(s string) bool {
	return len(ManifestURLs(s)) > 0
}

// ManifestURLs returns every manifest-shaped URL in s, in order of appearance, without duplicates.
func ManifestURLs(s string) []string {
	if !strings.Contains(s, "http://") && !strings.Contains(s, "https://") {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range urlPattern.FindAllString(s, -1) {
		m = strings.TrimRight(m, ",;)]")
		lower := strings.ToLower(m)
		ok := false
		for _, tok := range ManifestTokens {
			if strings.Contains(lower, tok) {
				ok = true
				break
			}
		}
		if ok && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
