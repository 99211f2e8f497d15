package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainChange prefixes change hashes. The version suffix allows a future
// algorithm change.
const DomainChange = "hyperdoc/change/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeHash computes the content identity of a change record. Records that
// are equal as JSON hash identically regardless of key order.
func ChangeHash(c Change) (string, error) {
	canonical, err := MarshalCanonical(c)
	if err != nil {
		return "", fmt.Errorf("ChangeHash: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}
