// Package catalog builds the per-library catalog view served to the portal
// and normalizes loosely-typed book metadata at the ingestion boundary.
package catalog

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeGenres turns a genre field that may be a single string, a
// comma-separated string, a list of strings, or a JSON-decoded list into a
// sorted set. Entries are trimmed and deduplicated case-insensitively; the
// first spelling seen is kept.
func NormalizeGenres(v any) []string {
	var raw []string
	switch g := v.(type) {
	case nil:
	case string:
		raw = strings.Split(g, ",")
	case []string:
		raw = g
	case []any:
		for _, item := range g {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	seen := make(map[string]bool)
	out := []string{}
	for _, s := range raw {
		s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
		if s == "" {
			continue
		}
		key := genreKey(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return genreKey(out[i]) < genreKey(out[j]) })
	return out
}

// ParseGenres normalizes a stored genres column, which holds either a JSON
// array or a bare string written by older importers.
func ParseGenres(raw string) []string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return NormalizeGenres(raw)
	}
	return NormalizeGenres(v)
}

// genreKey folds case and strips diacritics so "Ficción" and "ficcion" collide.
func genreKey(s string) string {
	s = norm.NFKD.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return s
}
