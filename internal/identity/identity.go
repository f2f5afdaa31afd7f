// Package identity provides deterministic content-addressed keys used to
// deduplicate markets, competitors, leads, and products across repeated
// enrichment runs. Keys are stable across process restarts: no salt, no
// timestamps, and normalization makes trivially different spellings collide.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes combining marks after NFD decomposition, so "São" and
// "Sao" normalize to the same string.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, strips diacritics, and collapses runs of whitespace.
// "Embalagens  Flex" and "embalagens flex" normalize identically.
func Normalize(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Transform errors only occur on invalid UTF-8; fall back to the
		// raw input so the key is still deterministic.
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// Hash returns a hex SHA-256 over the kind and normalized fields. The kind
// prefix keeps a market named "X" from colliding with a competitor named "X".
func Hash(kind string, fields ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	for _, f := range fields {
		b.WriteByte('|')
		b.WriteString(Normalize(f))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MarketKey is the dedup identity of a market segment.
func MarketKey(name, segment string) string {
	return Hash("market", name, segment)
}

// CompetitorKey is the dedup identity of a competitor within a market.
func CompetitorKey(marketHash, name string) string {
	return Hash("competitor", marketHash, name)
}

// LeadKey is the dedup identity of a lead within a market.
func LeadKey(marketHash, name string) string {
	return Hash("lead", marketHash, name)
}

// ProductKey is the dedup identity of a product line under a client.
func ProductKey(clientID, name string) string {
	return Hash("product", clientID, name)
}

// ClientKey is the dedup identity of a client record used by import.
func ClientKey(name, registryID string) string {
	return Hash("client", name, registryID)
}
