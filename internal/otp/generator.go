package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const codeLength = 6

var codeSpace = big.NewInt(1000000) // [000000, 999999]

// GenerateCode returns a 6-digit numeric code drawn uniformly from
// [000000, 999999] using the system CSPRNG. Leading zeros are kept.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}
