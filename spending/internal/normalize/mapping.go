package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/spendwatch/spending/internal/failure"
	"github.com/hazyhaar/spendwatch/spending/internal/vocab"
)

// Hints map canonical field names to the header a source uses for them.
type Hints map[string]string

// ParseHints decodes a source's hints JSON. Empty input is no hints.
func ParseHints(raw string) (Hints, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var h Hints
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("%w: hints: %v", failure.ErrValidation, err)
	}
	for field := range h {
		if !knownField(field) {
			return nil, fmt.Errorf("%w: hints: unknown field %q", failure.ErrValidation, field)
		}
	}
	return h, nil
}

func knownField(name string) bool {
	for _, f := range vocab.Fields {
		if string(f) == name {
			return true
		}
	}
	return false
}

// Mapping assigns canonical fields to column indexes of a Table.
type Mapping struct {
	Columns map[vocab.Field]int
	// FromHints is true when the source's hints were used as given.
	FromHints bool
	// HintsStale is true when hints were present but named missing headers.
	HintsStale bool
}

// Hints renders the mapping back into hints using the table's headers.
func (m Mapping) Hints(headers []string) Hints {
	h := make(Hints, len(m.Columns))
	for f, i := range m.Columns {
		h[string(f)] = headers[i]
	}
	return h
}

// JSON encodes hints with sorted keys.
func (h Hints) JSON() string {
	if len(h) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(h))
	return string(b)
}

// BuildMapping prefers hints when every hinted header is present, filling
// unhinted fields heuristically; otherwise it maps by vocabulary and marks
// the hints stale. A required field left unmapped is schema drift.
func BuildMapping(headers []string, hints Hints) (Mapping, error) {
	heuristic := vocab.MapHeaders(headers)
	m := Mapping{Columns: make(map[vocab.Field]int)}

	if len(hints) > 0 {
		index := make(map[string]int, len(headers))
		for i, h := range headers {
			if _, dup := index[vocab.NormalizeHeader(h)]; !dup {
				index[vocab.NormalizeHeader(h)] = i
			}
		}
		all := true
		for field, header := range hints {
			i, ok := index[vocab.NormalizeHeader(header)]
			if !ok {
				all = false
				break
			}
			m.Columns[vocab.Field(field)] = i
		}
		if all {
			m.FromHints = true
			used := make(map[int]bool)
			for _, i := range m.Columns {
				used[i] = true
			}
			for f, i := range heuristic {
				if _, set := m.Columns[f]; !set && !used[i] {
					m.Columns[f] = i
				}
			}
		} else {
			m.HintsStale = true
			m.Columns = heuristic
		}
	} else {
		m.Columns = heuristic
	}

	for _, f := range vocab.Required {
		if _, ok := m.Columns[f]; !ok {
			return m, fmt.Errorf("%w: no column for %s in %v", failure.ErrSchemaDrift, f, headers)
		}
	}
	return m, nil
}
