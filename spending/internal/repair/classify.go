// Package repair classifies source fetch failures so the fetcher knows what
// to retry and the registry knows what to record.
package repair

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hazyhaar/spendwatch/horosafe"
)

// Class categorizes a fetch failure.
type Class string

const (
	ClassTemporary Class = "temporary"  // 5xx, transient network
	ClassTimeout   Class = "timeout"    // the fetch ran past its deadline
	ClassRateLimit Class = "rate_limit" // 429
	ClassNotFound  Class = "not_found"  // 404, 410: the file disappeared
	ClassForbidden Class = "forbidden"  // 403
	ClassAuth      Class = "auth"       // 401
	ClassTooLarge  Class = "too_large"  // body over the payload cap
	ClassBlocked   Class = "blocked"    // SSRF guard or unsafe scheme
	ClassCanceled  Class = "canceled"   // caller context done
	ClassUnknown   Class = "unknown"
)

// Action is what the fetcher should do about a classified failure.
type Action string

const (
	ActionRetry  Action = "retry"  // back off and try again within this run
	ActionRecord Action = "record" // give up; count it against the source
	ActionSkip   Action = "skip"   // give up for this run; the next run retries
)

// Transient reports whether failures of this class are worth retrying.
func (c Class) Transient() bool {
	return c == ClassTemporary || c == ClassRateLimit
}

// Classify maps an HTTP status (0 when no response arrived) and transport
// error to a class and action.
func Classify(statusCode int, err error) (Class, Action) {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled, ActionRecord
	case isTimeout(err):
		return ClassTimeout, ActionSkip
	case errors.Is(err, horosafe.ErrTooLarge):
		return ClassTooLarge, ActionRecord
	case errors.Is(err, horosafe.ErrSSRF), errors.Is(err, horosafe.ErrUnsafeScheme):
		return ClassBlocked, ActionRecord
	}

	switch {
	case statusCode == 429:
		return ClassRateLimit, ActionRetry
	case statusCode == 401:
		return ClassAuth, ActionRecord
	case statusCode == 403:
		return ClassForbidden, ActionRecord
	case statusCode == 404 || statusCode == 410:
		return ClassNotFound, ActionRecord
	case statusCode >= 500 && statusCode < 600:
		return ClassTemporary, ActionRetry
	}

	if err != nil && isNetworkError(strings.ToLower(err.Error())) {
		return ClassTemporary, ActionRetry
	}
	return ClassUnknown, ActionRecord
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

func isNetworkError(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") ||
		strings.Contains(msg, "tls handshake")
}
