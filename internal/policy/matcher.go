package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher detects candidate violation spans in a text.
// Spans must be non-overlapping and sorted by Start.
type Matcher interface {
	Match(text string) []Span
}

// RegexMatcher matches a compiled regular expression.
// Go's regexp package is RE2 based, so matching is linear in the input size.
type RegexMatcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher compiles pattern into a RegexMatcher
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &RegexMatcher{re: re}, nil
}

func mustRegexMatcher(pattern string) *RegexMatcher {
	m, err := NewRegexMatcher(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Match returns every non-overlapping match of the expression
func (m *RegexMatcher) Match(text string) []Span {
	return toSpans(m.re.FindAllStringIndex(text, -1))
}

// String returns the source pattern
func (m *RegexMatcher) String() string {
	return m.re.String()
}

// PhraseMatcher finds case-insensitive occurrences of literal phrases.
// Whitespace inside a phrase matches any run of whitespace in the text.
type PhraseMatcher struct {
	phrases []string
	re      *regexp.Regexp
}

// NewPhraseMatcher builds a matcher for the given phrases.
// Phrases are normalized to lowercase and deduplicated; blank entries are ignored.
func NewPhraseMatcher(phrases []string) (*PhraseMatcher, error) {
	seen := make(map[string]struct{}, len(phrases))
	normalized := make([]string, 0, len(phrases))
	alternatives := make([]string, 0, len(phrases))

	for _, phrase := range phrases {
		words := strings.Fields(strings.ToLower(phrase))
		if len(words) == 0 {
			continue
		}
		key := strings.Join(words, " ")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, key)

		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		alternatives = append(alternatives, strings.Join(quoted, `\s+`))
	}

	if len(normalized) == 0 {
		return nil, fmt.Errorf("phrase matcher needs at least one phrase")
	}

	re, err := regexp.Compile(`(?i)(?:` + strings.Join(alternatives, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile phrases: %w", err)
	}

	return &PhraseMatcher{phrases: normalized, re: re}, nil
}

func mustPhraseMatcher(phrases []string) *PhraseMatcher {
	m, err := NewPhraseMatcher(phrases)
	if err != nil {
		panic(err)
	}
	return m
}

// Match returns every non-overlapping phrase occurrence
func (m *PhraseMatcher) Match(text string) []Span {
	return toSpans(m.re.FindAllStringIndex(text, -1))
}

// Phrases returns the normalized phrase list
func (m *PhraseMatcher) Phrases() []string {
	out := make([]string, len(m.phrases))
	copy(out, m.phrases)
	return out
}

// DigitBounded drops spans that touch an ASCII digit on either side, so a
// match is never carved out of a longer number.
type DigitBounded struct {
	Inner Matcher
}

// Match returns the inner spans that are not adjacent to digits
func (m DigitBounded) Match(text string) []Span {
	spans := m.Inner.Match(text)
	kept := spans[:0]
	for _, s := range spans {
		if s.Start > 0 && isDigit(text[s.Start-1]) {
			continue
		}
		if s.End < len(text) && isDigit(text[s.End]) {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func toSpans(indexes [][]int) []Span {
	if len(indexes) == 0 {
		return nil
	}
	spans := make([]Span, len(indexes))
	for i, loc := range indexes {
		spans[i] = Span{Start: loc[0], End: loc[1]}
	}
	return spans
}

// describeMatcher renders a matcher for fingerprints and rule listings
func describeMatcher(m Matcher) string {
	switch mt := m.(type) {
	case *RegexMatcher:
		return "regex:" + mt.String()
	case *PhraseMatcher:
		return "phrases:" + strings.Join(mt.phrases, "|")
	case DigitBounded:
		return "digit_bounded(" + describeMatcher(mt.Inner) + ")"
	case fmt.Stringer:
		return mt.String()
	default:
		return fmt.Sprintf("%T", m)
	}
}
