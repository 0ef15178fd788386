package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"streamrelay/pkg/types"
)

// ErrPatternNotFound is returned by a rule whose pattern does not occur in the page.
var ErrPatternNotFound = errors.New("extraction pattern not found")

// Page is a fetched hop document. Its HTML is parsed on first use.
type Page struct {
	URL  string
	Body string

	once sync.Once
	doc  *goquery.Document
	err  error
}

// NewPage wraps a hop response body.
func NewPage(url, body string) *Page {
	return &Page{URL: url, Body: body}
}

// Document returns the parsed HTML document.
func (p *Page) Document() (*goquery.Document, error) {
	p.once.Do(func() {
		p.doc, p.err = goquery.NewDocumentFromReader(strings.NewReader(p.Body))
	})
	return p.doc, p.err
}

// Extraction is what a rule pulls out of a page.
type Extraction struct {
	// Token is the value used to build the next hop URL. On the terminal hop it
	// is the companion element id.
	Token string
	// Payload is set only by terminal rules.
	Payload *types.EncodedPayload
}

// Rule is a named, independently testable extraction function for one hop.
type Rule struct {
	Name    string
	Extract func(p *Page) (Extraction, error)
}

// EmbedDataHash finds the data-hash attribute of the first server entry on an embed page.
var EmbedDataHash = Rule{
	Name:    "embed-data-hash",
	Extract: extractDataHash,
}

var dataHashPattern = regexp.MustCompile(`data-hash\s*=\s*["']([^"']+)["']`)

func extractDataHash(p *Page) (Extraction, error) {
	if doc, err := p.Document(); err == nil {
		var hash string
		doc.Find("[data-hash]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			hash = strings.TrimSpace(s.AttrOr("data-hash", ""))
			return hash == ""
		})
		if validToken(hash) {
			return Extraction{Token: hash}, nil
		}
	}
	// Attribute inside script-built markup is invisible to the DOM.
	if m := dataHashPattern.FindStringSubmatch(p.Body); m != nil && validToken(m[1]) {
		return Extraction{Token: m[1]}, nil
	}
	return Extraction{}, fmt.Errorf("data-hash: %w", ErrPatternNotFound)
}

// RCPPlayerPath finds the /prorcp/ or /srcrcp/ player path on an rcp page.
var RCPPlayerPath = Rule{
	Name:    "rcp-player-path",
	Extract: extractPlayerPath,
}

// playerPathPatterns are the spellings the rcp page has used for the player
// iframe source, most recent first.
var playerPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`src\s*:\s*['"](/(?:pro|src)rcp/[^'"]+)['"]`),
	regexp.MustCompile(`\$\(['"]<iframe>['"]\)\.attr\(['"]src['"],\s*['"](/(?:pro|src)rcp/[^'"]+)['"]\)`),
	regexp.MustCompile(`(?:var|let|const)\s+\w+\s*=\s*['"](/(?:pro|src)rcp/[^'"]+)['"]`),
	regexp.MustCompile(`\w+\s*:\s*['"](/(?:pro|src)rcp/[^'"]+)['"]`),
}

func extractPlayerPath(p *Page) (Extraction, error) {
	if doc, err := p.Document(); err == nil {
		var path string
		doc.Find("iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			src := s.AttrOr("src", "")
			if strings.HasPrefix(src, "/prorcp/") || strings.HasPrefix(src, "/srcrcp/") {
				path = src
				return false
			}
			return true
		})
		if validToken(path) {
			return Extraction{Token: path}, nil
		}
	}
	for _, re := range playerPathPatterns {
		if m := re.FindStringSubmatch(p.Body); m != nil && validToken(m[1]) {
			return Extraction{Token: m[1]}, nil
		}
	}
	return Extraction{}, fmt.Errorf("player path: %w", ErrPatternNotFound)
}

// PlayerHiddenPayload finds the hidden element holding the encoded payload on a player page.
var PlayerHiddenPayload = Rule{
	Name:    "player-hidden-payload",
	Extract: extractHiddenPayload,
}

var (
	badIDChars     = regexp.MustCompile(`[\s<>{}|\\^` + "`" + `"']`)
	payloadCharset = regexp.MustCompile(`^[A-Za-z0-9+/=:._\-]+$`)
)

const (
	minElementIDLen = 3
	minPayloadLen   = 20
)

func extractHiddenPayload(p *Page) (Extraction, error) {
	doc, err := p.Document()
	if err != nil {
		return Extraction{}, fmt.Errorf("parse player page: %w", err)
	}

	var out Extraction
	doc.Find("div[id][style]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
		if !strings.Contains(style, "display:none") {
			return true
		}
		id := s.AttrOr("id", "")
		if len(id) < minElementIDLen || badIDChars.MatchString(id) {
			return true
		}
		if s.Children().Length() > 0 {
			return true
		}
		raw := strings.TrimSpace(s.Text())
		if len(raw) < minPayloadLen || !payloadCharset.MatchString(raw) {
			return true
		}
		out = Extraction{
			Token:   id,
			Payload: &types.EncodedPayload{Raw: raw, CompanionElementID: id},
		}
		return false
	})
	if out.Payload == nil {
		return Extraction{}, fmt.Errorf("hidden payload: %w", ErrPatternNotFound)
	}
	return out, nil
}

// validToken rejects empty values and anything that could break out of a URL path.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n\"'<>")
}
