package consul

import (
	"crypto/sha256"
	"encoding/hex"
)

// nameDigest maps an article name to a KV-safe key segment.
func nameDigest(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
