package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// CodeAlphabet omits characters that are easily confused (0/O, 1/I/L).
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength   = 8

	refreshValueBytes = 32
)

// Hasher computes peppered one-way digests. Join codes and refresh credentials
// get a SHA-256 digest; passwords get a peppered argon2id hash.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher bound to the server-wide pepper.
func NewHasher(pepper string) (*Hasher, error) {
	if pepper == "" {
		return nil, errors.New("auth: pepper is required")
	}
	return &Hasher{pepper: []byte(pepper)}, nil
}

// HashCode canonicalizes code (trim, upper case) and returns its hex digest.
func (h *Hasher) HashCode(code string) string {
	return h.digest(CanonicalCode(code))
}

// CompareCode reports whether code hashes to digest.
func (h *Hasher) CompareCode(code, digest string) bool {
	return constantTimeEqual(h.HashCode(code), digest)
}

func (h *Hasher) hashRefresh(value string) string {
	return h.digest(value)
}

func (h *Hasher) digest(secret string) string {
	sum := sha256.New()
	sum.Write([]byte(secret))
	sum.Write(h.pepper)
	return hex.EncodeToString(sum.Sum(nil))
}

// constantTimeEqual compares two digests without an early exit on the first
// differing byte. Digests are fixed length, so a length mismatch only occurs
// for malformed input.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CanonicalCode trims and upper-cases a user supplied code.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode returns a CodeLength code drawn uniformly from CodeAlphabet.
func GenerateCode() (string, error) {
	size := big.NewInt(int64(len(CodeAlphabet)))
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func generateRefreshValue() (string, error) {
	buf := make([]byte, refreshValueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
