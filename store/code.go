package store

import (
	"math/rand/v2"
	"strings"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// maxCodeAttempts bounds regeneration when a fresh code collides.
	maxCodeAttempts = 32
)

// randomCode returns a 6 character upper-case alphanumeric group code.
func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// NormalizeCode upper-cases a code typed by a student.
func NormalizeCode(code string) string {
	return strings.ToUpper(cleanString(code))
}
