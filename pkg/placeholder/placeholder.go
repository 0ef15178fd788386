// Package placeholder expands {token} variables in decoded manifest URLs into
// every concrete candidate URL.
package placeholder

import (
	"fmt"
	"regexp"
	"strings"

	"streamrelay/pkg/types"
)

// tokenPattern matches short bracketed identifiers such as {v1} or {s3}.
var tokenPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]{0,15})\}`)

// UnresolvedError is returned by Unresolved when templates reference tokens
// with no configured values.
type UnresolvedError struct {
	Tokens []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("placeholder: no values for %s", strings.Join(e.Tokens, ", "))
}

// Table maps token names to their ordered candidate values.
type Table struct {
	values map[string][]string
}

// NewTable builds a table from token definitions. Duplicate values within a
// token are dropped, keeping the first occurrence. A later definition of the
// same token replaces an earlier one.
func NewTable(tokens []types.PlaceholderToken) *Table {
	t := &Table{values: make(map[string][]string, len(tokens))}
	for _, tok := range tokens {
		if tok.Name == "" {
			continue
		}
		t.values[tok.Name] = dedupe(tok.Values)
	}
	return t
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Values returns the candidate values for name.
func (t *Table) Values(name string) ([]string, bool) {
	v, ok := t.values[name]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// Names returns the distinct tokens referenced by template in first-seen order.
func Names(template string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Expand returns every substitution of template's tokens. The first token
// varies slowest. A repeated token takes the same value at every occurrence.
// Tokens with no configured values are left literal and the affected
// candidates are marked Unresolved and sorted after resolved ones.
func (t *Table) Expand(template string) []types.CandidateManifestURL {
	names := Names(template)
	if len(names) == 0 {
		return []types.CandidateManifestURL{{URL: template}}
	}

	var known []string
	unresolved := false
	for _, n := range names {
		if _, ok := t.Values(n); ok {
			known = append(known, n)
		} else {
			unresolved = true
		}
	}

	var out []types.CandidateManifestURL
	chosen := make(map[string]string, len(known))
	var walk func(i int)
	walk = func(i int) {
		if i == len(known) {
			out = append(out, types.CandidateManifestURL{
				URL:        substitute(template, chosen),
				Unresolved: unresolved,
			})
			return
		}
		vals, _ := t.Values(known[i])
		for _, v := range vals {
			chosen[known[i]] = v
			walk(i + 1)
		}
	}
	walk(0)
	return out
}

// Unresolved reports the tokens across templates that have no configured
// values, in first-seen order. It returns nil when every token is known.
func (t *Table) Unresolved(templates []string) error {
	var missing []string
	seen := make(map[string]bool)
	for _, tpl := range templates {
		for _, n := range Names(tpl) {
			if _, ok := t.Values(n); ok || seen[n] {
				continue
			}
			seen[n] = true
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return &UnresolvedError{Tokens: missing}
	}
	return nil
}

// ExpandAll expands several templates, keeping resolved candidates ahead of
// unresolved ones and dropping duplicate URLs.
func (t *Table) ExpandAll(templates []string) []types.CandidateManifestURL {
	var resolved, unresolved []types.CandidateManifestURL
	seen := make(map[string]bool)
	for _, tpl := range templates {
		for _, c := range t.Expand(tpl) {
			if seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			if c.Unresolved {
				unresolved = append(unresolved, c)
			} else {
				resolved = append(resolved, c)
			}
		}
	}
	return append(resolved, unresolved...)
}

func substitute(template string, chosen map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := chosen[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
