package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/haasonsaas/agentblob/pkg/models"
)

// CollapseContent trims and collapses internal whitespace so semantically
// identical phrasings fingerprint the same way.
func CollapseContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeForHash lowercases, collapses whitespace, and strips trailing
// punctuation before hashing.
func normalizeForHash(s string) string {
	s = strings.ToLower(CollapseContent(s))
	return strings.TrimRightFunc(s, unicode.IsPunct)
}

// Fingerprint derives the dedup key for an item: the first 32 hex characters
// of sha256 over "type:" plus the normalized content.
func Fingerprint(itemType models.MemoryType, content string) string {
	sum := sha256.Sum256([]byte(string(itemType) + ":" + normalizeForHash(content)))
	return hex.EncodeToString(sum[:])[:32]
}
