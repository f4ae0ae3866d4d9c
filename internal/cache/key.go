package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const keyPrefix = "finsight"

const maxKeySources = 5

// Categories namespace cache keys per request kind.
const (
	CategoryQuery    = "query"
	CategoryAnalysis = "analysis"
)

// DeriveKey builds a deterministic cache key from normalized inputs: the
// query lower-cased and whitespace-trimmed, the symbol upper-cased, and the
// first five source identifiers in sorted order. Identical normalized
// inputs always yield identical keys.
func DeriveKey(category, query, symbol string, sources []string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(query)),
		strings.ToUpper(strings.TrimSpace(symbol)),
	}

	if len(sources) > 0 {
		normalized := make([]string, len(sources))
		for i, src := range sources {
			normalized[i] = strings.ToLower(strings.TrimSpace(src))
		}
		sort.Strings(normalized)
		if len(normalized) > maxKeySources {
			normalized = normalized[:maxKeySources]
		}
		parts = append(parts, normalized...)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + ":" + category + ":" + hex.EncodeToString(sum[:])
}
