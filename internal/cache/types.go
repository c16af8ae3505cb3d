package cache

import (
	"time"

	"github.com/donezo/chatguard/internal/policy"
)

// CachedResult is the stored form of a scan result.
// Clean and flag-only results are stored without text since the redacted
// text equals the input.
type CachedResult struct {
	RedactedText string            `json:"redacted_text,omitempty"`
	HasViolation bool              `json:"has_violation"`
	Categories   []policy.Category `json:"categories"`
	Findings     []policy.Finding  `json:"findings,omitempty"`
	RuleSet      string            `json:"rule_set"`
	CachedAt     time.Time         `json:"cached_at"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL    string
	PoolSize    int
	TTL         time.Duration
	KeyPrefix   string
	DialTimeout time.Duration
}

func newCachedResult(result policy.ScanResult, ruleSet string, now time.Time) CachedResult {
	cached := CachedResult{
		HasViolation: result.HasViolation,
		Categories:   result.Categories,
		Findings:     result.Findings,
		RuleSet:      ruleSet,
		CachedAt:     now,
	}
	if result.HasViolation {
		cached.RedactedText = result.RedactedText
	}
	return cached
}

// toResult rebuilds the scan result for the given input text
func (c CachedResult) toResult(text string) policy.ScanResult {
	result := policy.ScanResult{
		RedactedText: c.RedactedText,
		HasViolation: c.HasViolation,
		Categories:   c.Categories,
		Findings:     c.Findings,
	}
	if !c.HasViolation {
		result.RedactedText = text
	}
	if result.Categories == nil {
		result.Categories = []policy.Category{}
	}
	return result
}
