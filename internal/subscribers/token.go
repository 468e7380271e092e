package subscribers

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	tokenLength   = 16
	tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// TokenFunc produces an opaque subscriber token.
type TokenFunc func() (string, error)

// GenerateToken returns a cryptographically secure 16 character alphanumeric token.
func GenerateToken() (string, error) {
	alphabetSize := big.NewInt(int64(len(tokenAlphabet)))

	var token [tokenLength]byte
	for i := range token {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		token[i] = tokenAlphabet[n.Int64()]
	}
	return string(token[:]), nil
}
