package idgen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[a-z0-9]{12}$`)

func Test_new_generates_valid_alphabet_and_length(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := New()
		require.NoError(t, err)
		require.Len(t, id, Length)
		require.Regexp(t, idPattern, id)
		_, collided := seen[id]
		require.False(t, collided, "collision on draw %d: %q", i, id)
		seen[id] = struct{}{}
	}
}

func Test_validate_subdomain(t *testing.T) {
	valid := []string{"a", "my-app-x7k2m4", "abc", "0"}
	for _, s := range valid {
		require.NoErrorf(t, ValidateSubdomain(s), "expected %q to be valid", s)
	}

	invalid := []string{
		"",
		"-foo",
		"foo-",
		"Foo",
		string(make([]byte, 64)),
	}
	for _, s := range invalid {
		require.Errorf(t, ValidateSubdomain(s), "expected %q to be invalid", s)
	}
}

func Test_validate_subdomain_rejects_over_63_chars(t *testing.T) {
	long := ""
	for i := 0; i < 64; i++ {
		long += "a"
	}
	require.Error(t, ValidateSubdomain(long))

	exactly63 := long[:63]
	require.NoError(t, ValidateSubdomain(exactly63))
}

func Test_sanitize_prefix(t *testing.T) {
	require.Equal(t, "my-app", SanitizePrefix("My App!!"))
	require.Equal(t, "abc", SanitizePrefix("  ABC  "))
	require.Equal(t, "a-b", SanitizePrefix("a---b"))
	require.Equal(t, "ab", SanitizePrefix("-ab-"))
}
