package ocr

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Language is the OCR language setting for a request. The value is the
// canonical base code ("ja", "zh", ...) and doubles as the cache-key
// language prefix, so it must stay stable across releases.
type Language string

const (
	Japanese Language = "ja"
	Chinese  Language = "zh"
	Korean   Language = "ko"
	English  Language = "en"

	// DefaultLanguage applies when a request carries no language.
	DefaultLanguage = Japanese
)

// languagePolicy captures the per-language behavior knobs. A closed
// table, not inheritance: adding a language means adding a row.
type languagePolicy struct {
	// prefersVertical enables vertical-orientation detection for
	// scripts commonly typeset vertically in manga.
	prefersVertical bool
	// stripsWhitespace removes whitespace the recognizer artificially
	// inserts between characters that should have none.
	stripsWhitespace bool
}

var languagePolicies = map[Language]languagePolicy{
	Japanese: {prefersVertical: true, stripsWhitespace: true},
	Chinese:  {prefersVertical: true, stripsWhitespace: true},
	Korean:   {},
	English:  {},
}

// ParseLanguage canonicalizes a caller-supplied tag ("ja", "ja-JP",
// "jpn") to its base code. Empty input yields DefaultLanguage. Tags
// outside the policy table are kept verbatim (lowercased) so they still
// partition the cache-key space, with neutral policies.
func ParseLanguage(tag string) Language {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return DefaultLanguage
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return Language(strings.ToLower(tag))
	}
	base, _ := parsed.Base()
	return Language(base.String())
}

func (l Language) policy() languagePolicy {
	return languagePolicies[l]
}

// PrefersVertical reports whether vertical text detection applies.
func (l Language) PrefersVertical() bool { return l.policy().prefersVertical }

// PostProcessText applies language-specific cleanup to recognized text.
func (l Language) PostProcessText(text string) string {
	if !l.policy().stripsWhitespace {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
