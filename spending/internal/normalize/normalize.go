// Package normalize turns raw disclosure payloads into canonical payments:
// format readers, column mapping, amount and date coercion, supplier keys,
// record hashes and the rejected-rows side channel.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/spendwatch/spending/internal/failure"
	"github.com/hazyhaar/spendwatch/spending/internal/store"
	"github.com/hazyhaar/spendwatch/spending/internal/vocab"
)

// Input is one fetched payload to normalize.
type Input struct {
	CouncilID string
	SourceID  string
	Format    string
	Data      []byte
	HintsJSON string
	// MaxRejectRate is the rejected-row ceiling; above it the batch is
	// schema drift. Zero disables the ceiling.
	MaxRejectRate float64
	Now           time.Time
}

// Result is the normalized batch of one payload.
type Result struct {
	Payments   []store.NewPayment
	Rejected   []store.RejectedRow
	Duplicates int
	Rows       int
	RejectRate float64
	Mapping    Mapping
	// DerivedHints is set when the mapping was derived heuristically: the
	// source had no hints or they were stale.
	DerivedHints Hints
}

// Normalize parses and coerces one payload. A payload whose rejected share
// exceeds the ceiling returns the Result (for its rejected rows) together
// with an ErrSchemaDrift error.
func Normalize(in Input) (*Result, error) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	hints, err := ParseHints(in.HintsJSON)
	if err != nil {
		return nil, err
	}
	t, err := ReadTable(in.Format, in.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", failure.ErrSchemaDrift, err)
	}
	m, err := BuildMapping(t.Headers, hints)
	if err != nil {
		return &Result{Mapping: m}, err
	}

	res := &Result{Mapping: m}
	if !m.FromHints {
		res.DerivedHints = m.Hints(t.Headers)
	}
	seen := make(map[string]bool)

	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		res.Rows++
		p, reason := coerceRow(in, m, row)
		if reason != "" {
			res.Rejected = append(res.Rejected, store.RejectedRow{
				SourceID:  in.SourceID,
				RowNumber: t.LineOf(i),
				Reason:    reason,
				RawJSON:   rawJSON(t.Headers, row),
			})
			continue
		}
		if seen[p.RecordHash] {
			res.Duplicates++
			continue
		}
		seen[p.RecordHash] = true
		res.Payments = append(res.Payments, p)
	}

	if res.Rows > 0 {
		res.RejectRate = float64(len(res.Rejected)) / float64(res.Rows)
	}
	if in.MaxRejectRate > 0 && res.RejectRate > in.MaxRejectRate {
		return res, fmt.Errorf("%w: %d of %d rows rejected (%.0f%% > %.0f%%)",
			failure.ErrSchemaDrift, len(res.Rejected), res.Rows, res.RejectRate*100, in.MaxRejectRate*100)
	}
	return res, nil
}

func coerceRow(in Input, m Mapping, row []string) (store.NewPayment, string) {
	get := func(f vocab.Field) string {
		i, ok := m.Columns[f]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	supplierRaw := DisplayName(get(vocab.Supplier))
	key := SupplierKey(supplierRaw)
	if key == "" {
		return store.NewPayment{}, "supplier: empty"
	}
	date, err := ParseDate(get(vocab.Date), in.Now)
	if err != nil {
		return store.NewPayment{}, err.Error()
	}
	amount, err := ParseAmount(get(vocab.Amount))
	if err != nil {
		return store.NewPayment{}, err.Error()
	}
	description := DisplayName(get(vocab.Description))
	category := DisplayName(get(vocab.Category))
	credit := false
	if amount.IsNegative() {
		if !IsCreditContext(category, description) {
			return store.NewPayment{}, "amount: negative outside a refund or credit"
		}
		credit = true
	}
	pence := ToPence(amount)

	return store.NewPayment{
		SourceID:     in.SourceID,
		SupplierName: supplierRaw,
		SupplierKey:  key,
		AmountPence:  pence,
		IsCredit:     credit,
		Date:         date,
		Description:  description,
		Category:     category,
		ProjectRef:   DisplayName(get(vocab.ProjectRef)),
		InvoiceRef:   DisplayName(get(vocab.InvoiceRef)),
		RecordHash:   RecordHash(in.CouncilID, pence, date, key, description),
	}, ""
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func rawJSON(headers, row []string) string {
	obj := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(row) {
			obj[h] = row[i]
		}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "{}"
	}
	return string(b)
}
