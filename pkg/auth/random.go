package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the entropy of session IDs and CSRF tokens (256 bits)
const TokenBytes = 32

// RandomHex returns n random bytes from crypto/rand, hex encoded
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewToken returns a 256-bit random token, hex encoded
func NewToken() (string, error) {
	return RandomHex(TokenBytes)
}
