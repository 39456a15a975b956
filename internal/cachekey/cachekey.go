// Package cachekey derives canonical cache keys from page URLs.
//
// A key is the URL path plus any query parameters except "sourceId",
// optionally prefixed with "lang/<code>/". Scheme and host never
// participate, so the same page served from different hosts hits the
// same entry. No escaping or reordering is applied beyond dropping the
// sourceId parameter: the derivation is deliberately byte-preserving so
// keys stay auditable and stable across releases.
package cachekey

import (
	"net/url"
	"strings"
)

// sourceIDParam varies between requests for Suwayomi page URLs without
// affecting the served image bytes, so it is stripped from keys.
const sourceIDParam = "sourceId"

// ForURL returns the cache key for rawURL. language may be empty, in
// which case no language prefix is applied.
func ForURL(rawURL, language string) string {
	raw := normalize(rawURL)
	if language == "" {
		return raw
	}
	trimmed := strings.TrimPrefix(raw, "/")
	return "lang/" + language + "/" + trimmed
}

func normalize(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() {
		// Unparseable (or relative) input still needs a stable key;
		// it is used verbatim, query string and all.
		return rawURL
	}

	key := parsed.EscapedPath()
	query := parsed.RawQuery
	if query == "" {
		return key
	}

	kept := make([]string, 0, strings.Count(query, "&")+1)
	for _, part := range strings.Split(query, "&") {
		name, _, _ := strings.Cut(part, "=")
		if name == sourceIDParam {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return key
	}
	return key + "?" + strings.Join(kept, "&")
}
