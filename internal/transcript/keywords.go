// Package transcript provides fuzzy domain-keyword detection for noisy ASR
// output.
//
// Telephone-band speech recognition regularly mangles the booking vocabulary
// the dialog engine keys on ("appointmant", "shedule"). The matcher combines
// Double Metaphone phonetic encoding with Jaro-Winkler similarity so those
// near-misses still count as domain keywords for the completeness check.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DomainKeywords are the booking-domain terms that indicate a caller
// utterance is a complete request.
var DomainKeywords = []string{"appointment", "book", "schedule", "time", "date"}

const defaultSimilarityThreshold = 0.88

// KeywordMatcher detects a fixed keyword set in free text, tolerating
// phonetically-plausible misrecognitions. It is read-only after construction
// and safe for concurrent use.
type KeywordMatcher struct {
	keywords  []string
	codes     []map[string]struct{}
	threshold float64
}

// Option is a functional option for configuring a KeywordMatcher.
type Option func(*KeywordMatcher)

// WithSimilarityThreshold sets the minimum Jaro-Winkler score a phonetic
// candidate token needs to count as a keyword hit. Default: 0.88.
func WithSimilarityThreshold(threshold float64) Option {
	return func(m *KeywordMatcher) { m.threshold = threshold }
}

// NewKeywordMatcher builds a matcher for the given keywords. With no
// keywords it defaults to DomainKeywords.
func NewKeywordMatcher(keywords []string, opts ...Option) *KeywordMatcher {
	if len(keywords) == 0 {
		keywords = DomainKeywords
	}
	m := &KeywordMatcher{
		keywords:  keywords,
		threshold: defaultSimilarityThreshold,
	}
	for _, kw := range keywords {
		m.codes = append(m.codes, metaphoneCodes(strings.ToLower(kw)))
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Contains reports whether text holds any keyword, exactly or as a phonetic
// near-miss.
func (m *KeywordMatcher) Contains(text string) bool {
	return len(m.Match(text)) > 0
}

// Match returns the canonical keywords detected in text, in keyword order
// and without duplicates.
func (m *KeywordMatcher) Match(text string) []string {
	lower := strings.ToLower(text)
	tokens := strings.Fields(lower)
	if len(tokens) == 0 {
		return nil
	}

	var hits []string
	for i, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			hits = append(hits, kw)
			continue
		}
		if m.phoneticHit(tokens, kw, m.codes[i]) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// phoneticHit reports whether any token shares a Double Metaphone code with
// the keyword and is similar enough under Jaro-Winkler.
func (m *KeywordMatcher) phoneticHit(tokens []string, keyword string, kwCodes map[string]struct{}) bool {
	for _, tok := range tokens {
		if !codesOverlap(metaphoneCodes(tok), kwCodes) {
			continue
		}
		if matchr.JaroWinkler(tok, keyword, false) >= m.threshold {
			return true
		}
	}
	return false
}

// metaphoneCodes returns the Double Metaphone code set for one word.
func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
