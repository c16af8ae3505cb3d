package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarnPolicy(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		w, err := NewWarnPolicy("")
		require.NoError(t, err)
		assert.Equal(t, DefaultWarnExpression, w.Expression)

		cases := map[string]bool{
			"call me":                       true,
			"mail jane@example.com":         true,
			"see you on site tomorrow":      false,
			"Check www.donezo.com for info": false,
		}
		for input, want := range cases {
			got, err := w.ShouldWarn(Scan(input, nil))
			require.NoError(t, err)
			assert.Equal(t, want, got, input)
		}
	})

	t.Run("RedactionsOnly", func(t *testing.T) {
		w, err := NewWarnPolicy("has_violation")
		require.NoError(t, err)

		got, err := w.ShouldWarn(Scan("call me", nil))
		require.NoError(t, err)
		assert.False(t, got)
	})

	t.Run("Counts", func(t *testing.T) {
		w, err := NewWarnPolicy("'keyword' in categories && redactions == 0 && matches == 2")
		require.NoError(t, err)

		got, err := w.ShouldWarn(Scan("call me or text me", nil))
		require.NoError(t, err)
		assert.True(t, got)
	})

	for name, expr := range map[string]string{
		"syntax":      "has_violation ||",
		"undeclared":  "foo == 1",
		"non-boolean": "size(categories)",
	} {
		t.Run("Invalid "+name, func(t *testing.T) {
			_, err := NewWarnPolicy(expr)
			assert.Error(t, err)
		})
	}
}
