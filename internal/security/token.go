package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// tokenPrefix is the prefix used for generated principal tokens.
const tokenPrefix = "nd92_"

// GenerateToken creates a new random principal API token.
func GenerateToken() (token string, err error) {
	secret := make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(secret), nil
}

// MaskToken obscures a token for logging, keeping only the edges.
func MaskToken(token string) string {
	if len(token) > 12 {
		return token[:8] + "..." + token[len(token)-4:]
	}
	if len(token) > 4 {
		return token[:2] + "..." + token[len(token)-2:]
	}
	return token
}
