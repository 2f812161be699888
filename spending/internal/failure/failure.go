// Package failure holds the error taxonomy shared by every stage of a refresh.
// Stages wrap these sentinels with fmt.Errorf("%w: ...") and callers test
// with errors.Is.
package failure

import (
	"context"
	"errors"
)

var (
	// ErrSourceUnavailable: fetch failed after retries. The council is skipped
	// for this run.
	ErrSourceUnavailable = errors.New("spending: source unavailable")

	// ErrSchemaDrift: the rejected-row ceiling was exceeded. The batch is
	// held for review and the council is not updated.
	ErrSchemaDrift = errors.New("spending: schema drift")

	// ErrValidation: a registry entry or request is malformed.
	ErrValidation = errors.New("spending: validation error")

	// ErrDataIntegrity: a write would violate an invariant. The batch is
	// rolled back.
	ErrDataIntegrity = errors.New("spending: data integrity violation")

	// ErrNotFound: the requested entity does not exist.
	ErrNotFound = errors.New("spending: not found")
)

// Kind names the taxonomy class of err for reports and HTTP bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return "SourceUnavailable"
	case errors.Is(err, ErrSchemaDrift):
		return "SchemaDrift"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrDataIntegrity):
		return "DataIntegrityError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "Internal"
	}
}
