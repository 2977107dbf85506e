package otp

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Hasher produces one-way digests of plaintext codes for storage at rest.
// The digest binds the code to its subject so a digest leaked for one
// subject is useless for another.
type Hasher struct {
	salt string
}

// NewHasher creates a Hasher with the given deployment-wide salt.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Digest returns SHA-256(subjectID:code:salt).
func (h *Hasher) Digest(subjectID, code string) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", subjectID, code, h.salt)))
	return sum[:]
}

// Verify recomputes the digest for the candidate code and compares it to the
// stored digest in constant time.
func (h *Hasher) Verify(subjectID, code string, digest []byte) bool {
	candidate := h.Digest(subjectID, code)
	if len(candidate) != len(digest) {
		return false
	}
	return subtle.ConstantTimeCompare(candidate, digest) == 1
}
