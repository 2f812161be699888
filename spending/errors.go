package spending

import "github.com/hazyhaar/spendwatch/spending/internal/failure"

// Error taxonomy. Every error returned by the Service wraps one of these
// when it has a known class; test with errors.Is.
var (
	ErrSourceUnavailable = failure.ErrSourceUnavailable
	ErrSchemaDrift       = failure.ErrSchemaDrift
	ErrValidation        = failure.ErrValidation
	ErrDataIntegrity     = failure.ErrDataIntegrity
	ErrNotFound          = failure.ErrNotFound
)

// ErrorKind names the taxonomy class of err ("SchemaDrift", "Timeout", ...).
func ErrorKind(err error) string { return failure.Kind(err) }
