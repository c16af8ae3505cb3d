package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RuleSpec is the file representation of a rule
type RuleSpec struct {
	Name         string   `yaml:"name" json:"name"`
	Category     string   `yaml:"category" json:"category"`
	Pattern      string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Phrases      []string `yaml:"phrases,omitempty" json:"phrases,omitempty"`
	Redaction    string   `yaml:"redaction,omitempty" json:"redaction,omitempty"`
	Action       string   `yaml:"action,omitempty" json:"action,omitempty"`
	DigitBounded bool     `yaml:"digit_bounded,omitempty" json:"digit_bounded,omitempty"`
	Enabled      *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// RuleFile is the layout of a rule-set YAML file
type RuleFile struct {
	Rules        []RuleSpec `yaml:"rules" json:"rules"`
	AllowDomains []string   `yaml:"allow_domains" json:"allow_domains"`
}

// LoadRuleSetFile reads a rule set from a YAML file.
// An empty path returns the default rule set.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet(), nil
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	rs, err := ParseRuleSet(content)
	if err != nil {
		return nil, fmt.Errorf("rule file %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet builds a rule set from YAML content.
// When the document lists no rules the default rules are used with its allow-list.
func ParseRuleSet(content []byte) (*RuleSet, error) {
	var file RuleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	allow := NewAllowList(file.AllowDomains...)
	if len(file.Rules) == 0 {
		if len(file.AllowDomains) == 0 {
			return nil, errors.New("no rules or allow_domains configured")
		}
		return NewRuleSet(DefaultRules(), allow)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Enabled != nil && !*spec.Enabled {
			continue
		}
		rule, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, spec.Name, err)
		}
		rules = append(rules, rule)
	}

	return NewRuleSet(rules, allow)
}

func (s RuleSpec) build() (Rule, error) {
	category, err := ParseCategory(s.Category)
	if err != nil {
		return Rule{}, err
	}

	var matcher Matcher
	switch {
	case s.Pattern != "" && len(s.Phrases) > 0:
		return Rule{}, errors.New("pattern and phrases are mutually exclusive")
	case s.Pattern != "":
		m, err := NewRegexMatcher(s.Pattern)
		if err != nil {
			return Rule{}, err
		}
		matcher = m
	case len(s.Phrases) > 0:
		m, err := NewPhraseMatcher(s.Phrases)
		if err != nil {
			return Rule{}, err
		}
		matcher = m
	default:
		return Rule{}, errors.New("either pattern or phrases is required")
	}

	if s.DigitBounded {
		matcher = DigitBounded{Inner: matcher}
	}

	return Rule{
		Name:      s.Name,
		Category:  category,
		Matcher:   matcher,
		Redaction: s.Redaction,
		Action:    Action(s.Action),
	}, nil
}
