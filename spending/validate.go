package spending

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/spendwatch/spending/internal/normalize"
)

const (
	maxNameLen  = 256
	maxURLLen   = 4096
	maxHintsLen = 8192
)

// allowedFormats is the set of declared source formats.
var allowedFormats = map[string]bool{
	"csv":  true,
	"xlsx": true,
	"xls":  true,
	"json": true,
}

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func validateCouncil(c *Council) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: council name is required", ErrValidation)
	}
	if len(c.Name) > maxNameLen {
		return fmt.Errorf("%w: council name exceeds %d characters", ErrValidation, maxNameLen)
	}
	c.Region = strings.TrimSpace(c.Region)
	return nil
}

// validateSource checks a source's fields and normalizes its endpoint and
// format in place. Council existence is checked by the caller.
func validateSource(src *Source) error {
	if src.CouncilID == "" {
		return fmt.Errorf("%w: council_id is required", ErrValidation)
	}
	if len(src.Endpoint) > maxURLLen {
		return fmt.Errorf("%w: endpoint exceeds %d characters", ErrValidation, maxURLLen)
	}
	endpoint, err := NormalizeSourceURL(src.Endpoint)
	if err != nil {
		return err
	}
	src.Endpoint = endpoint

	src.Format = strings.ToLower(strings.TrimSpace(src.Format))
	if !allowedFormats[src.Format] {
		return fmt.Errorf("%w: unknown format %q", ErrValidation, src.Format)
	}

	switch src.Origin {
	case "", OriginManual, OriginDiscovered, OriginCatalog:
	default:
		return fmt.Errorf("%w: unknown origin %q", ErrValidation, src.Origin)
	}

	if len(src.HintsJSON) > maxHintsLen {
		return fmt.Errorf("%w: hints exceed %d bytes", ErrValidation, maxHintsLen)
	}
	hints, err := normalize.ParseHints(src.HintsJSON)
	if err != nil {
		return err
	}
	src.HintsJSON = hints.JSON()
	return nil
}

func validateDateRange(from, to string) error {
	for _, d := range []string{from, to} {
		if d != "" && !isoDate.MatchString(d) {
			return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrValidation, d)
		}
	}
	if from != "" && to != "" && from > to {
		return fmt.Errorf("%w: from %s is after to %s", ErrValidation, from, to)
	}
	return nil
}
