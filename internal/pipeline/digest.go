package pipeline

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Digest hashes the concatenated parts with SHA3-256.
func Digest(parts ...[]byte) string {
	hash := sha3.New256()
	for _, p := range parts {
		_, _ = hash.Write(p)
		_, _ = hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// shortDigest is the prefix used in blob names.
func shortDigest(data []byte) string {
	return Digest(data)[:24]
}
