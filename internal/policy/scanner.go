package policy

import (
	"sort"
	"strings"
)

// Scan runs text through rs, or through the default rule set when rs is nil
func Scan(text string, rs *RuleSet) ScanResult {
	if rs == nil {
		rs = DefaultRuleSet()
	}
	return rs.Scan(text)
}

// Scan applies the rules in category order: email, phone and url redactions
// each run on the output of the previous pass, then keyword rules are checked
// against the original text. Flag-only rules never change the text.
//
// URLs on the allow-list are located in the original text first and left out
// of every redaction pass, so nothing inside them is rewritten.
//
// Scan has no side effects and never fails.
func (rs *RuleSet) Scan(text string) ScanResult {
	result := ScanResult{
		RedactedText: text,
		Categories:   []Category{},
	}
	if text == "" {
		return result
	}

	allowed := rs.allowedURLs(text)
	parts := splitAround(text, allowed)
	found := make(map[Category]bool, len(categoryOrder))

	for _, rule := range rs.rules {
		count := 0
		if rule.Action == ActionFlag {
			count = len(rs.match(rule, text))
		} else {
			for i, part := range parts {
				spans := rs.match(rule, part)
				if len(spans) == 0 {
					continue
				}
				count += len(spans)
				parts[i] = splice(part, spans, rule.Redaction)
			}
		}
		if count == 0 {
			continue
		}

		found[rule.Category] = true
		result.Findings = append(result.Findings, Finding{
			Category: rule.Category,
			Rule:     rule.Name,
			Count:    count,
			Redacted: rule.Action == ActionRedact,
		})
	}

	for _, c := range categoryOrder {
		if found[c] {
			result.Categories = append(result.Categories, c)
		}
	}

	redacted := joinAround(text, parts, allowed)
	result.RedactedText = redacted
	result.HasViolation = redacted != text
	return result
}

// match returns the normalized spans of rule in text, minus allow-listed URLs
func (rs *RuleSet) match(rule Rule, text string) []Span {
	spans := normalizeSpans(rule.Matcher.Match(text), len(text))
	if rule.Category == CategoryURL {
		spans = rs.dropAllowed(text, spans)
	}
	return spans
}

// allowedURLs returns the spans of text matched by a url rule that contain an
// allow-listed domain
func (rs *RuleSet) allowedURLs(text string) []Span {
	if len(rs.allow.domains) == 0 {
		return nil
	}

	var spans []Span
	for _, rule := range rs.rules {
		if rule.Category != CategoryURL {
			continue
		}
		for _, s := range normalizeSpans(rule.Matcher.Match(text), len(text)) {
			if rs.allow.Allows(text[s.Start:s.End]) {
				spans = append(spans, s)
			}
		}
	}
	return normalizeSpans(spans, len(text))
}

// splitAround returns the pieces of text between the given sorted spans
func splitAround(text string, spans []Span) []string {
	parts := make([]string, 0, len(spans)+1)
	prev := 0
	for _, s := range spans {
		parts = append(parts, text[prev:s.Start])
		prev = s.End
	}
	return append(parts, text[prev:])
}

// joinAround is the inverse of splitAround with the pieces replaced
func joinAround(text string, parts []string, spans []Span) string {
	if len(spans) == 0 {
		return parts[0]
	}

	var b strings.Builder
	b.Grow(len(text))
	for i, s := range spans {
		b.WriteString(parts[i])
		b.WriteString(text[s.Start:s.End])
	}
	b.WriteString(parts[len(parts)-1])
	return b.String()
}

// dropAllowed removes URL spans that contain an allow-listed domain
func (rs *RuleSet) dropAllowed(text string, spans []Span) []Span {
	kept := spans[:0]
	for _, s := range spans {
		if rs.allow.Allows(text[s.Start:s.End]) {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

// normalizeSpans clamps spans to the text, sorts them and drops empty or
// overlapping entries so custom matchers cannot break redaction.
func normalizeSpans(spans []Span, n int) []Span {
	if len(spans) == 0 {
		return nil
	}

	valid := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.Start < 0 {
			s.Start = 0
		}
		if s.End > n {
			s.End = n
		}
		if s.Start >= s.End {
			continue
		}
		valid = append(valid, s)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Start < valid[j].Start
	})

	out := valid[:0]
	lastEnd := -1
	for _, s := range valid {
		if s.Start < lastEnd {
			continue
		}
		out = append(out, s)
		lastEnd = s.End
	}
	return out
}

// splice replaces each span of text with token
func splice(text string, spans []Span, token string) string {
	var b strings.Builder
	b.Grow(len(text) + len(spans)*len(token))

	prev := 0
	for _, s := range spans {
		b.WriteString(text[prev:s.Start])
		b.WriteString(token)
		prev = s.End
	}
	b.WriteString(text[prev:])
	return b.String()
}
