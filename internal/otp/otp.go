// Package otp issues and checks the numeric one-time passcodes mailed during verification.
package otp

import (
	"crypto/rand"
	"math/big"
)

const (
	// Min and Max bound every issued and accepted code (6 to 8 decimal digits).
	Min int64 = 100000
	Max int64 = 99999999
)

var span = big.NewInt(Max - Min + 1)

// Generate returns a code drawn uniformly from [Min, Max] using crypto/rand.
// Codes are scoped per user, so collisions across users are harmless.
func Generate() (int64, error) {
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return Min + n.Int64(), nil
}

// IsWellFormed reports whether code lies in the issuing range.
// Callers check this before any store lookup.
func IsWellFormed(code int64) bool {
	return code >= Min && code <= Max
}
