package normalize

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NormalizeDescription lowercases and collapses whitespace. Two rows that
// differ only in description spacing or case hash the same.
func NormalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// RecordHash is the per-council dedup key of a payment: BLAKE2b-256 over
// council, pence, date, supplier key and normalized description.
func RecordHash(councilID string, pence int64, date, supplierKey, description string) string {
	parts := []string{councilID, strconv.FormatInt(pence, 10), date, supplierKey, NormalizeDescription(description)}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
