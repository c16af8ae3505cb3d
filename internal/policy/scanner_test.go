package policy

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanScenarios(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		want         string
		categories   []Category
		hasViolation bool
	}{
		{
			name:         "email phone and url",
			input:        "Reach me at jane@example.com or call 555-123-4567, see www.example.com",
			want:         "Reach me at ***EMAIL REMOVED*** or call ***PHONE REMOVED***, see ***URL REMOVED***",
			categories:   []Category{CategoryEmail, CategoryPhone, CategoryURL},
			hasViolation: true,
		},
		{
			name:       "allow-listed platform url",
			input:      "Check our site at www.donezo.com for more info",
			want:       "Check our site at www.donezo.com for more info",
			categories: []Category{},
		},
		{
			name:       "keyword only",
			input:      "call me",
			want:       "call me",
			categories: []Category{CategoryKeyword},
		},
		{
			name:       "empty",
			input:      "",
			want:       "",
			categories: []Category{},
		},
		{
			name:       "clean text",
			input:      "Looking forward to working with you on the kitchen remodel.",
			want:       "Looking forward to working with you on the kitchen remodel.",
			categories: []Category{},
		},
		{
			name:         "two emails",
			input:        "write a@b.co and c.d@e.org",
			want:         "write ***EMAIL REMOVED*** and ***EMAIL REMOVED***",
			categories:   []Category{CategoryEmail},
			hasViolation: true,
		},
		{
			name:         "allow-listed url next to a violation",
			input:        "Visit https://www.donezo.com/jobs/42 or email jane@example.com",
			want:         "Visit https://www.donezo.com/jobs/42 or email ***EMAIL REMOVED***",
			categories:   []Category{CategoryEmail},
			hasViolation: true,
		},
		{
			name:         "each url checked independently",
			input:        "see www.example.com and www.donezo.com",
			want:         "see ***URL REMOVED*** and www.donezo.com",
			categories:   []Category{CategoryURL},
			hasViolation: true,
		},
		{
			name:       "allow-list ignores case",
			input:      "Go to HTTPS://WWW.DONEZO.COM/help",
			want:       "Go to HTTPS://WWW.DONEZO.COM/help",
			categories: []Category{},
		},
		{
			name:         "keyword alongside email",
			input:        "email me at jane@example.com",
			want:         "email me at ***EMAIL REMOVED***",
			categories:   []Category{CategoryEmail, CategoryKeyword},
			hasViolation: true,
		},
		{
			name:         "keyword checked against original text",
			input:        "join www.telegram.org",
			want:         "join ***URL REMOVED***",
			categories:   []Category{CategoryURL, CategoryKeyword},
			hasViolation: true,
		},
		{
			name:         "email wins over url inside it",
			input:        "jane@www.example.com",
			want:         "***EMAIL REMOVED***",
			categories:   []Category{CategoryEmail},
			hasViolation: true,
		},
		{
			name:       "digits inside allow-listed url path",
			input:      "see https://www.donezo.com/jobs/5551234 now",
			want:       "see https://www.donezo.com/jobs/5551234 now",
			categories: []Category{},
		},
		{
			name:       "email-like path inside allow-listed url",
			input:      "https://donezo.com/profile/jane@x.co",
			want:       "https://donezo.com/profile/jane@x.co",
			categories: []Category{},
		},
		{
			name:         "phone outside allow-listed url still redacted",
			input:        "call 555-123-4567 or see www.donezo.com/jobs/5551234",
			want:         "call ***PHONE REMOVED*** or see www.donezo.com/jobs/5551234",
			categories:   []Category{CategoryPhone},
			hasViolation: true,
		},
		{
			name:         "unicode surroundings",
			input:        "Merci 🙂 écrivez à jane@example.com 🙂",
			want:         "Merci 🙂 écrivez à ***EMAIL REMOVED*** 🙂",
			categories:   []Category{CategoryEmail},
			hasViolation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Scan(tt.input, nil)

			assert.Equal(t, tt.want, result.RedactedText)
			assert.Equal(t, tt.categories, result.Categories)
			assert.Equal(t, tt.hasViolation, result.HasViolation)
			assert.Equal(t, result.RedactedText != tt.input, result.HasViolation)
		})
	}
}

func TestScanPhoneNumbers(t *testing.T) {
	redacted := []string{
		"555-123-4567",
		"(555) 123-4567",
		"555.123.4567",
		"5551234567",
		"+1 555 123 4567",
		"1-555-123-4567",
		"555-123-4567 ext 89",
		"555-123-4567 ext. 89",
		"555-123-4567x12",
		"555-123-4567 #3",
		"555-1234",
	}

	for _, phone := range redacted {
		t.Run(phone, func(t *testing.T) {
			result := Scan("ring "+phone+" tonight", nil)
			assert.Equal(t, "ring ***PHONE REMOVED*** tonight", result.RedactedText)
			assert.Equal(t, []Category{CategoryPhone}, result.Categories)
		})
	}

	kept := []string{
		"Invoice 12345678901234 paid",
		"budget is 1200 dollars",
		"id 9876543210123",
		"room 155-1234",
	}

	for _, text := range kept {
		t.Run("no match "+text, func(t *testing.T) {
			result := Scan(text, nil)
			assert.Equal(t, text, result.RedactedText)
			assert.False(t, result.Has(CategoryPhone))
		})
	}

	// 9 is not a valid second area-code digit, so only the trailing
	// seven-digit local number matches
	t.Run("invalid area code leaves prefix", func(t *testing.T) {
		result := Scan("295-555-1234", nil)
		assert.Equal(t, "295-***PHONE REMOVED***", result.RedactedText)
		assert.Equal(t, []Category{CategoryPhone}, result.Categories)
	})
}

func TestScanKeywords(t *testing.T) {
	t.Run("FlagOnly", func(t *testing.T) {
		for _, kw := range DefaultKeywords {
			input := "ok " + kw + " thanks"
			result := Scan(input, nil)
			assert.Equal(t, input, result.RedactedText, kw)
			assert.False(t, result.HasViolation, kw)
			assert.Equal(t, []Category{CategoryKeyword}, result.Categories, kw)
		}
	})

	t.Run("CaseAndWhitespace", func(t *testing.T) {
		for _, input := range []string{"TEXT   ME later", "Let's chat on WhatsApp", "Text\tme"} {
			result := Scan(input, nil)
			assert.True(t, result.Has(CategoryKeyword), input)
			assert.Equal(t, input, result.RedactedText)
		}
	})

	t.Run("SubstringContainment", func(t *testing.T) {
		result := Scan("traffic signals were down", nil)
		assert.True(t, result.Has(CategoryKeyword))
	})

	t.Run("FindingRecorded", func(t *testing.T) {
		result := Scan("call me or text me", nil)
		require.Len(t, result.Findings, 1)
		assert.Equal(t, Finding{Category: CategoryKeyword, Rule: "off_platform", Count: 2}, result.Findings[0])
	})
}

func TestScanFindings(t *testing.T) {
	result := Scan("a@b.co, c@d.io and 555-123-4567", nil)

	require.Len(t, result.Findings, 2)
	assert.Equal(t, Finding{Category: CategoryEmail, Rule: "email", Count: 2, Redacted: true}, result.Findings[0])
	assert.Equal(t, Finding{Category: CategoryPhone, Rule: "phone", Count: 1, Redacted: true}, result.Findings[1])
}

func TestScanCustomRuleSet(t *testing.T) {
	t.Run("RedactingKeywordRule", func(t *testing.T) {
		phrases, err := NewPhraseMatcher([]string{"venmo"})
		require.NoError(t, err)

		rs, err := NewRuleSet([]Rule{
			{Name: "payments", Category: CategoryKeyword, Matcher: phrases, Action: ActionRedact, Redaction: "[payment app]"},
		}, NewAllowList())
		require.NoError(t, err)

		result := rs.Scan("pay me on Venmo please")
		assert.Equal(t, "pay me on [payment app] please", result.RedactedText)
		assert.True(t, result.HasViolation)
		assert.Equal(t, []Category{CategoryKeyword}, result.Categories)
	})

	t.Run("EmptyAllowList", func(t *testing.T) {
		rs := DefaultRuleSet().WithAllowList(NewAllowList())
		result := rs.Scan("Check our site at www.donezo.com for more info")
		assert.Equal(t, "Check our site at ***URL REMOVED*** for more info", result.RedactedText)
		assert.Equal(t, []Category{CategoryURL}, result.Categories)
	})

	t.Run("MisbehavingMatcher", func(t *testing.T) {
		rs, err := NewRuleSet([]Rule{
			{Name: "broken", Category: CategoryEmail, Matcher: fixedMatcher{{-5, 3}, {2, 4}, {10, 1000}, {7, 7}}, Redaction: "X"},
		}, NewAllowList())
		require.NoError(t, err)

		var result ScanResult
		require.NotPanics(t, func() { result = rs.Scan("abcdefghijkl") })
		assert.Equal(t, "XdefghijX", result.RedactedText)
		assert.Equal(t, 2, result.Findings[0].Count)
	})
}

func TestScanAdversarialInput(t *testing.T) {
	inputs := map[string]string{
		"long local part": strings.Repeat("a", 1<<16) + "@",
		"dots":            "www." + strings.Repeat(".", 1<<16),
		"digits":          strings.Repeat("1-", 1<<15),
		"invalid utf8":    "\xff\xfe call me \xc3",
		"mixed":           strings.Repeat("x@y. 555- www.", 1<<12),
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() { Scan(input, nil) })
		})
	}
}

func TestScanConcurrent(t *testing.T) {
	input := "Reach me at jane@example.com or call 555-123-4567, see www.example.com"
	want := Scan(input, nil)

	var wg sync.WaitGroup
	results := make([]ScanResult, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Scan(input, nil)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

type fixedMatcher []Span

func (m fixedMatcher) Match(string) []Span {
	out := make([]Span, len(m))
	copy(out, m)
	return out
}

func BenchmarkScan(b *testing.B) {
	input := "Hi! Reach me at jane@example.com or call 555-123-4567, see www.example.com or www.donezo.com/jobs"
	rs := DefaultRuleSet()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rs.Scan(input)
	}
}
