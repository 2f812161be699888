// Package idgen provides pluggable ID generation for spendwatch entities.
//
// Stores take a Generator so tests can pin IDs; production uses UUIDv7 with a
// short per-entity prefix so an ID in a log line says what it refers to.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so payment IDs created in one batch sort together.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator that produces base-36 IDs of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator "<prefix>1", "<prefix>2", ...
// Not safe for concurrent use; meant for tests.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Entity prefixes.
const (
	PrefixCouncil  = "cnl_"
	PrefixSource   = "src_"
	PrefixSupplier = "sup_"
	PrefixPayment  = "pay_"
	PrefixAnomaly  = "anm_"
	PrefixFeedback = "fbk_"
	PrefixRun      = "run_"
	PrefixRejected = "rej_"
)

// Default is UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// For returns the default generator scoped to an entity prefix.
func For(prefix string) Generator {
	return Prefixed(prefix, Default)
}

// Parse validates an ID, stripping a known entity prefix before checking the
// UUID part. The returned string is the canonical form with prefix retained.
func Parse(s string) (string, error) {
	prefix := ""
	if i := strings.IndexByte(s, '_'); i > 0 && i < 5 {
		prefix, s = s[:i+1], s[i+1:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id: %w", err)
	}
	return prefix + u.String(), nil
}
