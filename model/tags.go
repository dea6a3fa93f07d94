package model

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ParseTags splits a free-text tag string into normalized tags. Comma
// separated input is split on commas, anything else on whitespace. Tags are
// lowercased and deduplicated in first-appearance order.
func ParseTags(s string) []string {
	var parts []string
	if strings.Contains(s, ",") {
		parts = strings.Split(s, ",")
	} else {
		parts = strings.Fields(s)
	}
	return NormalizeTags(parts)
}

// NormalizeTags lowercases, trims and deduplicates tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a title.
func Slugify(title string) string {
	decomposed := norm.NFKD.String(strings.ToLower(title))
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	slug := strings.Trim(slugInvalid.ReplaceAllString(b.String(), "-"), "-")
	if len(slug) > 50 {
		slug = strings.TrimRight(slug[:50], "-")
	}
	if slug == "" {
		slug = "post"
	}
	return slug
}
