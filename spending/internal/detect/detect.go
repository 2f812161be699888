// Package detect scores payments for patterns that suggest waste,
// duplication or procurement-threshold gaming.
//
// Detectors run in a fixed declared order. Local detectors see the full
// payment history of the suppliers touched by a batch plus council-wide
// round-number tallies; the cross-council detector sees an immutable
// Snapshot taken after every council of a run has committed.
package detect

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// Detector names, in declared order.
const (
	RoundNumber           = "round_number"
	ThresholdSplitting    = "threshold_splitting"
	DuplicatePayment      = "duplicate_payment"
	LargePayment          = "large_payment"
	PaymentFrequency      = "payment_frequency"
	SupplierConcentration = "supplier_concentration"
)

// Payment is the detector view of a stored payment.
type Payment struct {
	ID           string
	SupplierID   string
	SupplierName string
	Pence        int64
	Date         time.Time
	Description  string
}

// Day formats the payment date as YYYY-MM-DD.
func (p Payment) Day() string { return p.Date.Format(time.DateOnly) }

// PaymentSet holds non-credit payments grouped by supplier, each group in
// date order.
type PaymentSet struct {
	bySupplier map[string][]Payment
	suppliers  []string
}

// NewPaymentSet groups payments by supplier. Credits and unparseable dates
// are dropped.
func NewPaymentSet(payments []*store.Payment) PaymentSet {
	ps := PaymentSet{bySupplier: make(map[string][]Payment)}
	for _, p := range payments {
		if p.IsCredit || p.AmountPence <= 0 {
			continue
		}
		d, err := time.Parse(time.DateOnly, p.Date)
		if err != nil {
			continue
		}
		if _, ok := ps.bySupplier[p.SupplierID]; !ok {
			ps.suppliers = append(ps.suppliers, p.SupplierID)
		}
		ps.bySupplier[p.SupplierID] = append(ps.bySupplier[p.SupplierID], Payment{
			ID:           p.ID,
			SupplierID:   p.SupplierID,
			SupplierName: p.SupplierName,
			Pence:        p.AmountPence,
			Date:         d,
			Description:  p.Description,
		})
	}
	slices.Sort(ps.suppliers)
	for _, list := range ps.bySupplier {
		slices.SortStableFunc(list, func(a, b Payment) int {
			if c := a.Date.Compare(b.Date); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return ps
}

// Suppliers returns supplier ids in sorted order.
func (ps PaymentSet) Suppliers() []string { return ps.suppliers }

// Of returns one supplier's payments in date order.
func (ps PaymentSet) Of(supplierID string) []Payment { return ps.bySupplier[supplierID] }

// Len is the number of payments in the set.
func (ps PaymentSet) Len() int {
	n := 0
	for _, l := range ps.bySupplier {
		n += len(l)
	}
	return n
}

// RoundTally is a council-wide round-amount count for one supplier.
type RoundTally struct {
	Payments int
	Round    int
}

// Context is the council context a detector scores against.
type Context struct {
	CouncilID string
	// Round holds council-wide tallies per supplier, including suppliers
	// outside the payment set.
	Round map[string]RoundTally
	// Snapshot is set for the cross-council pass only.
	Snapshot *Snapshot
}

// Candidate is one detector finding.
type Candidate struct {
	Detector   string
	Severity   float64
	Rationale  string
	SupplierID string
	PaymentIDs []string
	// Key overrides the payment set as the finding's identity.
	Key string
}

// Detector is a pluggable scoring capability.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ps PaymentSet, c Context) ([]Candidate, error)
}

func clamp01(x float64) float64 { return max(0, min(1, x)) }

func ids(ps []Payment) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func pounds(pence int64) string {
	return "£" + store.FormatPence(pence)
}

func days(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func supplierLabel(p Payment) string {
	if p.SupplierName != "" {
		return p.SupplierName
	}
	return p.SupplierID
}
