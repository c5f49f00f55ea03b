package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that no tier holds an artifact for the given
	// content hash. A miss is a normal outcome, not a failure.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidHash indicates a malformed content hash. Rejected before
	// any filesystem path is built from it.
	ErrInvalidHash = errors.New("invalid content hash")
)

// IsNotFound reports whether err is an artifact miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HashBytes returns the lowercase hex SHA-256 digest of data. The digest is
// the artifact's permanent external identifier.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashHexLen is the length of a hex-encoded SHA-256 digest.
const hashHexLen = sha256.Size * 2

// ValidateContentHash rejects anything that is not exactly 64 lowercase hex
// characters. Externally supplied hashes become path components, so path
// separators and traversal sequences must never get past this check.
func ValidateContentHash(hash string) error {
	if len(hash) != hashHexLen {
		return fmt.Errorf("%w: want %d characters, got %d", ErrInvalidHash, hashHexLen, len(hash))
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return fmt.Errorf("%w: non-hex character at position %d", ErrInvalidHash, i)
	}
	return nil
}
