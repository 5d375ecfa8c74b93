package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the hashing
// scheme to change without colliding with stored values.
const (
	DomainBundle  = "fieldsync/bundle/v1"
	DomainPayload = "fieldsync/payload/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the domain-separated hash of v's canonical JSON.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}
