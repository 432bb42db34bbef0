package types

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the full SHA-256 hex digest of content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// EventID derives a stable event identifier from the write coordinates.
// Two writes of identical content to the same project/file share an ID.
func EventID(project, file, contentHash string) string {
	sum := sha256.Sum256([]byte(project + "|" + file + "|" + contentHash))
	return hex.EncodeToString(sum[:])[:32]
}

// DigestShort returns a short SHA-1 hex digest, used for merge keys and
// cache keys where collision resistance is not a requirement.
func DigestShort(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
