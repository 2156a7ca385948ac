// Package audit implements the tamper-evident, hash-chained audit core.
//
// Every regulatory-sensitive event is recorded as an immutable Entry in
// a per-organisation chain: each entry's hash is computed as
// SHA-256(canonicalPayload || previousHash), so altering, reordering, or
// deleting any past entry breaks the chain from that point forward.
// Appends from concurrent request handlers are serialized per tenant by
// an optimistic compare-and-swap on the ChainHead cursor, never by
// in-process locks held across storage I/O.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashPrefix marks the digest algorithm, so a future algorithm change is
// distinguishable in stored data.
const hashPrefix = "sha256:"

// ChainHash computes the chain hash for an entry: the SHA-256 digest of
// the canonical payload bytes concatenated with the previous entry's
// hash (empty string for the first entry in a chain). Pure and
// deterministic.
//
// Returns a prefixed hash string: "sha256:<hex>".
func ChainHash(canonical []byte, previousHash string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// IsChainHash reports whether s looks like a chain hash produced by
// ChainHash. Used by verification to flag malformed stored hashes early.
func IsChainHash(s string) bool {
	if !strings.HasPrefix(s, hashPrefix) {
		return false
	}
	hexPart := s[len(hashPrefix):]
	if len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
