package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FileHash is the content identity used by the ingestion guard.
func FileHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ChainHash hashes the parts joined by a unit separator so that adjacent
// fields cannot be shifted into each other.
func ChainHash(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
