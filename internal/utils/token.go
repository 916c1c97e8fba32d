package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix marks raw device tokens so they are recognisable in logs and configs.
	TokenPrefix = "dpt_"
	TokenBytes  = 32

	CodeLength   = 10
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	InstallIDBytes = 16
)

// GenerateToken returns a fresh raw bearer token. The value must only ever
// leave the process in the response that mints it.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashToken is the one canonical token digest: lowercase hex SHA-256 of the
// raw token string. Mint, validate, refresh and revoke all go through here.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// WellFormedToken reports whether raw looks like something GenerateToken produced.
func WellFormedToken(raw string) bool {
	if len(raw) != len(TokenPrefix)+TokenBytes*2 || !strings.HasPrefix(raw, TokenPrefix) {
		return false
	}
	for _, c := range raw[len(TokenPrefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// GenerateCode returns a human-enterable pairing code. 32 symbols over 10
// positions gives 2^50 combinations; modulo bias is avoided because the
// alphabet size divides 256.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	out := make([]byte, CodeLength)
	for i, v := range b {
		out[i] = CodeAlphabet[int(v)%len(CodeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode upper-cases a code typed by a human and drops separators.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// GenerateInstallID returns 128 random bits, hex encoded.
func GenerateInstallID() (string, error) {
	b := make([]byte, InstallIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate install id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SecureEqual compares two strings in constant time.
func SecureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
