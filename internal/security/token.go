// Package security provides the shared-secret handshake primitives for the
// socket server.
//
// The token is generated once at process start, held only in memory, and
// compared in constant time so the handshake leaks no timing information.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// DefaultTokenLength is the token length used when no override is configured.
const DefaultTokenLength = 32

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken returns a cryptographically random alphanumeric token of the
// given length. Lengths below one fall back to DefaultTokenLength.
func GenerateToken(length int) (string, error) {
	if length < 1 {
		length = DefaultTokenLength
	}

	// Rejection sampling: bytes at or above the largest multiple of the
	// alphabet size are discarded, keeping the distribution uniform.
	limit := byte(256 - 256%len(tokenAlphabet))

	out := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}

		for _, b := range buf {
			if b >= limit {
				continue
			}

			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// ValidateToken reports whether provided matches expected using a
// constant-time comparison. Length is checked first; mismatched lengths can
// never be equal, and the short-circuit does not reveal secret content.
func ValidateToken(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}

	if len(provided) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
