// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/google/uuid"
)

// New generates a random (version 4) UUID, used for request ids.
func New() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Numeric returns prefix followed by a random number with exactly digits
// decimal digits (no leading zero), e.g. Numeric("#P2PMMX", 4) -> "#P2PMMX4821".
func Numeric(prefix string, digits int) string {
	if digits <= 0 {
		return prefix
	}
	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits-1)), nil)
	span := new(big.Int).Sub(new(big.Int).Mul(low, big.NewInt(10)), low)
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + n.Add(n, low).String()
}
