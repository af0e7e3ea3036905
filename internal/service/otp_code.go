package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ============================================================
// Phone normalisation, code generation and hashing
// ============================================================

const (
	phoneDigits = 10
	codeDigits  = 6
)

var codeSpace = big.NewInt(1_000_000)

// NormalizePhone strips every non-digit and keeps the last ten digits when
// there are at least ten. Shorter inputs are returned as-is and fail ValidPhone.
func NormalizePhone(raw string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if len(digits) >= phoneDigits {
		return digits[len(digits)-phoneDigits:]
	}
	return digits
}

// ValidPhone reports whether phone is exactly ten ASCII digits.
func ValidPhone(phone string) bool {
	return len(phone) == phoneDigits && isDigits(phone)
}

func validCode(code string) bool {
	return len(code) == codeDigits && isDigits(code)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// GenerateCode returns a uniformly random, zero-padded six digit code read
// from src. Pass nil to use crypto/rand.
func GenerateCode(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	n, err := rand.Int(src, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CodeHasher computes the one-way digest stored in place of the code.
// The digest is keyed BLAKE2b-256 over "phone:code", hex encoded.
type CodeHasher struct {
	key []byte
}

// NewCodeHasher builds a hasher keyed by pepper. BLAKE2b keys are capped at
// 64 bytes, so longer peppers are first reduced with unkeyed BLAKE2b-512.
func NewCodeHasher(pepper string) *CodeHasher {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum512(key)
		key = sum[:]
	}
	return &CodeHasher{key: key}
}

// Hash returns the hex digest for phone and code.
func (h *CodeHasher) Hash(phone, code string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// only possible for keys over 64 bytes, which NewCodeHasher prevents
		panic(err)
	}
	mac.Write([]byte(phone))
	mac.Write([]byte{':'})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares code against a stored digest in constant time.
func (h *CodeHasher) Verify(phone, code, digest string) bool {
	want := h.Hash(phone, code)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}
