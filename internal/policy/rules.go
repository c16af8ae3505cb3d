package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Default redaction tokens
const (
	EmailRedaction = "***EMAIL REMOVED***"
	PhoneRedaction = "***PHONE REMOVED***"
	URLRedaction   = "***URL REMOVED***"
)

// DefaultAllowedDomain is the platform's own domain, exempt from URL redaction
const DefaultAllowedDomain = "donezo.com"

const (
	emailPattern = `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`

	// NANP: area code [2-9][0-8]X, bare seven digit numbers need an exchange starting 2-9
	phonePattern = `(?:(?:\+?1[\s.\-]?)?(?:\([2-9][0-8][0-9]\)|[2-9][0-8][0-9])[\s.\-]?[0-9]{3}[\s.\-]?[0-9]{4}|[2-9][0-9]{2}[\s.\-]?[0-9]{4})` +
		`(?:\s?(?i:ext\.?|x|#)\s?[0-9]+)?`

	urlPattern = `(?i)\b(?:https?://|www\.)[a-z0-9.\-]+\.[a-z0-9]{2,}(?:[/?#]\S*)?`
)

// DefaultKeywords are phrases that solicit moving a conversation off the platform
var DefaultKeywords = []string{
	"text me",
	"call me",
	"email me",
	"contact me",
	"off platform",
	"outside app",
	"chat outside",
	"my number",
	"my email",
	"my contact",
	"whatsapp",
	"telegram",
	"signal",
	"offline",
	"direct contact",
}

// Rule is a named detector for one category
type Rule struct {
	Name      string
	Category  Category
	Matcher   Matcher
	Redaction string
	Action    Action
}

// AllowList holds domain substrings that exempt a URL match
type AllowList struct {
	domains []string
}

// NewAllowList normalizes the given domains to lowercase, dropping blanks and duplicates
func NewAllowList(domains ...string) AllowList {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return AllowList{domains: out}
}

// Allows reports whether match contains any allow-listed domain
func (a AllowList) Allows(match string) bool {
	if len(a.domains) == 0 {
		return false
	}
	lower := strings.ToLower(match)
	for _, d := range a.domains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// Domains returns a copy of the allow-listed domains
func (a AllowList) Domains() []string {
	out := make([]string, len(a.domains))
	copy(out, a.domains)
	return out
}

// RuleSet is an immutable, validated set of rules plus the URL allow-list.
// It is safe for concurrent use.
type RuleSet struct {
	rules       []Rule
	allow       AllowList
	fingerprint string
}

// NewRuleSet validates rules and orders them by category (email, phone, url, keyword),
// keeping declaration order within a category.
func NewRuleSet(rules []Rule, allow AllowList) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule set needs at least one rule")
	}

	names := make(map[string]struct{}, len(rules))
	ordered := make([]Rule, 0, len(rules))

	for i, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := names[rule.Name]; dup {
			return nil, fmt.Errorf("rule %s: duplicate name", rule.Name)
		}
		names[rule.Name] = struct{}{}

		if _, err := ParseCategory(string(rule.Category)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if rule.Matcher == nil {
			return nil, fmt.Errorf("rule %s: matcher is required", rule.Name)
		}

		if rule.Action == "" {
			rule.Action = defaultAction(rule.Category)
		}
		switch rule.Action {
		case ActionRedact:
			if rule.Redaction == "" {
				rule.Redaction = defaultRedaction(rule.Category, rule.Name)
			}
		case ActionFlag:
		default:
			return nil, fmt.Errorf("rule %s: unsupported action %q", rule.Name, rule.Action)
		}

		ordered = append(ordered, rule)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Category.rank() < ordered[j].Category.rank()
	})

	rs := &RuleSet{rules: ordered, allow: allow}
	rs.fingerprint = rs.computeFingerprint()
	return rs, nil
}

func defaultAction(c Category) Action {
	if c == CategoryKeyword {
		return ActionFlag
	}
	return ActionRedact
}

func defaultRedaction(c Category, name string) string {
	switch c {
	case CategoryEmail:
		return EmailRedaction
	case CategoryPhone:
		return PhoneRedaction
	case CategoryURL:
		return URLRedaction
	default:
		return fmt.Sprintf("***%s REMOVED***", strings.ToUpper(name))
	}
}

// DefaultRules returns the built-in email, phone, url and keyword rules
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "email",
			Category:  CategoryEmail,
			Matcher:   mustRegexMatcher(emailPattern),
			Redaction: EmailRedaction,
			Action:    ActionRedact,
		},
		{
			Name:      "phone",
			Category:  CategoryPhone,
			Matcher:   DigitBounded{Inner: mustRegexMatcher(phonePattern)},
			Redaction: PhoneRedaction,
			Action:    ActionRedact,
		},
		{
			Name:      "url",
			Category:  CategoryURL,
			Matcher:   mustRegexMatcher(urlPattern),
			Redaction: URLRedaction,
			Action:    ActionRedact,
		},
		{
			Name:     "off_platform",
			Category: CategoryKeyword,
			Matcher:  mustPhraseMatcher(DefaultKeywords),
			Action:   ActionFlag,
		},
	}
}

var (
	defaultOnce sync.Once
	defaultSet  *RuleSet
)

// DefaultRuleSet returns the built-in rules with the platform domain allow-listed
func DefaultRuleSet() *RuleSet {
	defaultOnce.Do(func() {
		rs, err := NewRuleSet(DefaultRules(), NewAllowList(DefaultAllowedDomain))
		if err != nil {
			panic(fmt.Sprintf("default rule set: %v", err))
		}
		defaultSet = rs
	})
	return defaultSet
}

// WithAllowList returns a copy of the rule set using a different allow-list
func (rs *RuleSet) WithAllowList(allow AllowList) *RuleSet {
	cp := &RuleSet{rules: rs.rules, allow: allow}
	cp.fingerprint = cp.computeFingerprint()
	return cp
}

// Rules returns a copy of the ordered rules
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// AllowList returns the URL allow-list
func (rs *RuleSet) AllowList() AllowList {
	return rs.allow
}

// Fingerprint identifies the rule definitions; equal rule sets share a fingerprint
func (rs *RuleSet) Fingerprint() string {
	return rs.fingerprint
}

func (rs *RuleSet) computeFingerprint() string {
	h := sha256.New()
	for _, r := range rs.rules {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\n", r.Name, r.Category, r.Action, r.Redaction, describeMatcher(r.Matcher))
	}
	for _, d := range rs.allow.domains {
		fmt.Fprintf(h, "allow\x00%s\n", d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RuleInfo is a serializable description of a rule
type RuleInfo struct {
	Name      string   `json:"name"`
	Category  Category `json:"category"`
	Action    Action   `json:"action"`
	Redaction string   `json:"redaction,omitempty"`
	Matcher   string   `json:"matcher"`
}

// Describe lists the rules in application order
func (rs *RuleSet) Describe() []RuleInfo {
	infos := make([]RuleInfo, len(rs.rules))
	for i, r := range rs.rules {
		info := RuleInfo{
			Name:     r.Name,
			Category: r.Category,
			Action:   r.Action,
			Matcher:  describeMatcher(r.Matcher),
		}
		if r.Action == ActionRedact {
			info.Redaction = r.Redaction
		}
		infos[i] = info
	}
	return infos
}
