package policy

import "fmt"

// Category is a class of policy-violating content
type Category string

const (
	CategoryEmail   Category = "email"
	CategoryPhone   Category = "phone"
	CategoryURL     Category = "url"
	CategoryKeyword Category = "keyword"
)

// categoryOrder is the order in which categories are applied and reported
var categoryOrder = []Category{CategoryEmail, CategoryPhone, CategoryURL, CategoryKeyword}

// Categories returns all known categories in application order
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// ParseCategory converts a label into a Category
func ParseCategory(s string) (Category, error) {
	for _, c := range categoryOrder {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

func (c Category) rank() int {
	for i, known := range categoryOrder {
		if known == c {
			return i
		}
	}
	return len(categoryOrder)
}

// Action is what a rule does with its matches
type Action string

const (
	// ActionRedact replaces every match with the rule's redaction token
	ActionRedact Action = "redact"
	// ActionFlag reports the category without touching the text
	ActionFlag Action = "flag"
)

// Span is a half-open byte range [Start, End) within a text
type Span struct {
	Start int
	End   int
}

// Finding summarizes the matches of one rule in a scanned text
type Finding struct {
	Category Category `json:"category"`
	Rule     string   `json:"rule"`
	Count    int      `json:"count"`
	Redacted bool     `json:"redacted"`
}

// ScanResult is the outcome of scanning one text
type ScanResult struct {
	RedactedText string     `json:"redacted_text"`
	HasViolation bool       `json:"has_violation"`
	Categories   []Category `json:"categories"`
	Findings     []Finding  `json:"findings,omitempty"`
}

// Has reports whether the category was detected at least once
func (r ScanResult) Has(c Category) bool {
	for _, found := range r.Categories {
		if found == c {
			return true
		}
	}
	return false
}

// Flagged reports whether any category was detected, including flag-only ones
func (r ScanResult) Flagged() bool {
	return len(r.Categories) > 0
}

// CategoryLabels returns the detected categories as plain strings
func (r ScanResult) CategoryLabels() []string {
	labels := make([]string, len(r.Categories))
	for i, c := range r.Categories {
		labels[i] = string(c)
	}
	return labels
}
