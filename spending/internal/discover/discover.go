// Package discover finds council payment-disclosure files in publisher
// catalogs and scores how likely each is to be one.
package discover

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/spendwatch/spending/internal/normalize"
	"github.com/hazyhaar/spendwatch/spending/internal/vocab"
)

// Heuristic names, in scoring order.
const (
	HeuristicFilename = "filename"
	HeuristicFormat   = "format"
	HeuristicAmount   = "amount_header"
	HeuristicSupplier = "supplier_header"
	HeuristicDate     = "date_header"
)

const heuristicCount = 5

// Candidate is a classified catalog entry proposed for the registry.
type Candidate struct {
	Council    string   `json:"council"`
	Region     string   `json:"region,omitempty"`
	URL        string   `json:"url"`
	Format     string   `json:"format"`
	Confidence float64  `json:"confidence"`
	HintsJSON  string   `json:"hints_json"`
	Matched    []string `json:"matched"`
	Catalog    string   `json:"catalog"`
}

// Agent walks catalogs and classifies their entries.
type Agent struct {
	client        Client
	catalogs      []Catalog
	logger        *slog.Logger
	minConfidence float64
	probeBytes    int64
	fullBytes     int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithMinConfidence sets the proposal threshold (default 0.6).
func WithMinConfidence(c float64) Option { return func(a *Agent) { a.minConfidence = c } }

// WithProbeBytes sets how much of a CSV is read to find its header
// (default 64 KiB). Spreadsheets and JSON need the whole file and are read
// up to full bytes (default 8 MiB).
func WithProbeBytes(csv, full int64) Option {
	return func(a *Agent) { a.probeBytes, a.fullBytes = csv, full }
}

// NewAgent creates a discovery agent.
func NewAgent(client Client, catalogs []Catalog, opts ...Option) *Agent {
	a := &Agent{
		client:        client,
		catalogs:      catalogs,
		minConfidence: 0.6,
		probeBytes:    64 << 10,
		fullBytes:     8 << 20,
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Discover classifies every catalog entry and returns candidates at or above
// the confidence threshold, highest first, then by council and URL. Catalog
// failures are logged and joined into the returned error; candidates from
// healthy catalogs are still returned.
func (a *Agent) Discover(ctx context.Context) ([]Candidate, error) {
	var errs []error
	best := make(map[string]Candidate)
	for _, cat := range a.catalogs {
		entries, err := cat.Entries(ctx)
		if err != nil {
			a.logger.Warn("discover: catalog failed", "catalog", cat.Name(), "error", err)
			errs = append(errs, fmt.Errorf("catalog %s: %w", cat.Name(), err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c, ok := a.classify(ctx, e)
			if !ok {
				continue
			}
			if prev, dup := best[c.URL]; !dup || c.Confidence > prev.Confidence {
				best[c.URL] = c
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	slices.SortFunc(out, func(x, y Candidate) int {
		if c := cmp.Compare(y.Confidence, x.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Council, y.Council); c != 0 {
			return c
		}
		return cmp.Compare(x.URL, y.URL)
	})
	a.logger.Info("discover: done", "catalogs", len(a.catalogs), "candidates", len(out))
	return out, errors.Join(errs...)
}

func (a *Agent) classify(ctx context.Context, e Entry) (Candidate, bool) {
	if !IsCouncil(e.Publisher) {
		return Candidate{}, false
	}
	format := DetectFormat(e)
	var headers []string
	if format != "" {
		n := a.probeBytes
		if format != "csv" {
			n = a.fullBytes
		}
		prefix, _, err := a.client.Probe(ctx, e.URL, n)
		if err != nil {
			a.logger.Debug("discover: probe failed", "url", e.URL, "error", err)
		} else if h, err := normalize.ReadHeader(format, prefix); err == nil {
			headers = h
		}
	}
	c := Score(e, format, headers)
	return c, c.Confidence >= a.minConfidence
}

var councilPattern = regexp.MustCompile(`(?i)\b(council|borough|district|city of|county|authority|metropolitan)\b`)

// IsCouncil reports whether a publisher name looks like a local authority.
func IsCouncil(publisher string) bool {
	return councilPattern.MatchString(publisher)
}

var spendPattern = regexp.MustCompile(`(?i)(spend|spending|payments?|supplier|expenditure|transparency|over[-_ ]?£?(250|500)|purchase[-_ ]?card)`)

// DetectFormat resolves an entry's format from its declared format, MIME
// type or URL extension. Empty when none is recognized.
func DetectFormat(e Entry) string {
	switch strings.ToLower(strings.TrimSpace(e.Format)) {
	case "csv", "text/csv":
		return "csv"
	case "xlsx", "excel", "ms excel":
		return "xlsx"
	case "xls":
		return "xls"
	case "json":
		return "json"
	}
	switch mime := strings.ToLower(e.MIME); {
	case strings.Contains(mime, "csv"):
		return "csv"
	case strings.Contains(mime, "spreadsheetml"):
		return "xlsx"
	case strings.Contains(mime, "ms-excel"):
		return "xls"
	case strings.Contains(mime, "json"):
		return "json"
	}
	if u, err := url.Parse(e.URL); err == nil {
		return dataExtension(u.Path)
	}
	return ""
}

// Score applies the five heuristics to an entry whose header row (possibly
// nil) has been probed. Confidence is the fraction matched.
func Score(e Entry, format string, headers []string) Candidate {
	var matched []string
	name := e.Title
	if u, err := url.Parse(e.URL); err == nil {
		name += " " + path.Base(u.Path)
	}
	if spendPattern.MatchString(name) {
		matched = append(matched, HeuristicFilename)
	}
	if format != "" {
		matched = append(matched, HeuristicFormat)
	}
	cols := vocab.MapHeaders(headers)
	for _, h := range []struct {
		name  string
		field vocab.Field
	}{
		{HeuristicAmount, vocab.Amount},
		{HeuristicSupplier, vocab.Supplier},
		{HeuristicDate, vocab.Date},
	} {
		if _, ok := cols[h.field]; ok {
			matched = append(matched, h.name)
		}
	}

	hints := "{}"
	if len(cols) > 0 {
		hints = normalize.Mapping{Columns: cols}.Hints(headers).JSON()
	}
	return Candidate{
		Council:    strings.TrimSpace(e.Publisher),
		Region:     e.Region,
		URL:        e.URL,
		Format:     format,
		Confidence: float64(len(matched)) / heuristicCount,
		HintsJSON:  hints,
		Matched:    matched,
		Catalog:    e.Catalog,
	}
}
