package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHashBytesIsDeterministic(t *testing.T) {
	a := HashBytes([]byte("same input"))
	b := HashBytes([]byte("same input"))
	c := HashBytes([]byte("other input"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, hashHexLen)
}

func TestHashBytesAlwaysValidates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		hash := HashBytes(data)

		assert.NoError(t, ValidateContentHash(hash))
		assert.Equal(t, hash, strings.ToLower(hash))
		assert.NotContains(t, hash, "/")
		assert.NotContains(t, hash, "..")
	})
}

func TestValidateContentHashRejectsNonDigests(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "candidate")
		if len(s) == hashHexLen && s == strings.ToLower(s) && isHex(s) {
			t.Skip("drew a well-formed digest")
		}
		assert.Error(t, ValidateContentHash(s))
	})
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

func TestValidateContentHashRejectsTraversal(t *testing.T) {
	for _, hash := range []string{
		"../../../../../../etc/passwd",
		strings.Repeat("a", 62) + "/x",
		strings.Repeat("a", 62) + "..",
	} {
		assert.ErrorIs(t, ValidateContentHash(hash), ErrInvalidHash, "hash %q", hash)
	}
}
