// Package iphash derives the privacy-preserving origin identifier stored
// instead of a visitor's IP address.
package iphash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Length is the number of hex characters kept from the digest.
// Collisions at this length are accepted.
const Length = 16

// Hasher hashes IPs with an optional salt prepended to the input.
// The zero value is the unsalted hasher.
type Hasher struct {
	salt string
}

func New(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// Hash returns the first Length hex characters of SHA-256(salt + ip).
// Surrounding whitespace in ip is ignored.
func (h *Hasher) Hash(ip string) string {
	var salt string
	if h != nil {
		salt = h.salt
	}
	sum := sha256.Sum256([]byte(salt + strings.TrimSpace(ip)))
	return hex.EncodeToString(sum[:])[:Length]
}

// Hash is the unsalted digest.
func Hash(ip string) string {
	return (*Hasher)(nil).Hash(ip)
}
