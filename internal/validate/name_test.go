package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	t.Run("returns sanitized name", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
			want  string
		}{
			{"simple", "hello", "hello"},
			{"with spaces", "hello world", "hello world"},
			{"with hyphens", "my-name", "my-name"},
			{"mixed", "My Name-1.0_beta", "My Name-1.0_beta"},
			{"unicode", "café", "café"},
			{"trims spaces", "  hello  ", "hello"},
			{"strips double quotes", `name"quoted`, "namequoted"},
			{"strips backslashes", "back\\slash", "backslash"},
			{"strips tabs", "hello\tworld", "helloworld"},
			{"strips newlines", "hello\nworld", "helloworld"},
			{"strips control chars", "hello\x00world", "helloworld"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := SanitizeName(tt.input)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("rejects invalid names", func(t *testing.T) {
		_, err := SanitizeName("")
		assert.Error(t, err)

		_, err = SanitizeName("   ")
		assert.Error(t, err)

		_, err = SanitizeName("\x00\x01")
		assert.Error(t, err)

		_, err = SanitizeName(strings.Repeat("a", 65))
		assert.Error(t, err)
	})

	t.Run("accepts 64 characters", func(t *testing.T) {
		got, err := SanitizeName(strings.Repeat("a", 64))
		require.NoError(t, err)
		assert.Len(t, got, 64)
	})
}
