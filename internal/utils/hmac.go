package utils

import (
	"crypto/sha256"
	"crypto/subtle"
)

// SecureCompare reports whether a and b are equal in constant time. Inputs are
// hashed first so the length of the expected value does not leak either.
func SecureCompare(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
