package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// RoundDetector flags suppliers paid exact multiples of the round unit far
// more often than the rest of the council. The baseline is the council's
// round rate excluding the supplier; a one-sided binomial z-score decides.
type RoundDetector struct {
	UnitPence     int64
	MinPayments   int
	Z             float64
	BaselineFloor float64
}

func (d *RoundDetector) Name() string { return RoundNumber }

func (d *RoundDetector) Detect(ctx context.Context, ps PaymentSet, c Context) ([]Candidate, error) {
	var councilN, councilK int
	for _, t := range c.Round {
		councilN += t.Payments
		councilK += t.Round
	}

	var out []Candidate
	for _, sid := range ps.Suppliers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pays := ps.Of(sid)
		var round []Payment
		for _, p := range pays {
			if p.Pence%d.UnitPence == 0 {
				round = append(round, p)
			}
		}
		n, k := len(pays), len(round)
		if n < d.MinPayments || k == 0 {
			continue
		}

		self, ok := c.Round[sid]
		if !ok {
			self = RoundTally{Payments: n, Round: k}
		}
		b := d.BaselineFloor
		if rest := councilN - self.Payments; rest > 0 {
			b = max(b, float64(councilK-self.Round)/float64(rest))
		}
		if b >= 1 {
			continue
		}
		rate := float64(k) / float64(n)
		z := (rate - b) / math.Sqrt(b*(1-b)/float64(n))
		if z < d.Z {
			continue
		}
		out = append(out, Candidate{
			Detector:   RoundNumber,
			Severity:   clamp01((rate - b) / (1 - b)),
			SupplierID: sid,
			PaymentIDs: ids(round),
			Key:        RoundNumber + ":" + sid,
			Rationale: fmt.Sprintf("%d of %d payments to %s (%.0f%%) are exact multiples of %s against a council baseline of %.1f%% (z=%.1f)",
				k, n, supplierLabel(pays[0]), rate*100, pounds(d.UnitPence), b*100, z),
		})
	}
	return out, nil
}

// SplitDetector flags runs of payments to one supplier that each sit just
// under an approval threshold but together exceed it.
type SplitDetector struct {
	ThresholdsPence []int64
	NearBand        float64
	WindowDays      int
}

func (d *SplitDetector) Name() string { return ThresholdSplitting }

func (d *SplitDetector) Detect(ctx context.Context, ps PaymentSet, _ Context) ([]Candidate, error) {
	var out []Candidate
	for _, sid := range ps.Suppliers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, t := range d.ThresholdsPence {
			lower := t - int64(math.Round(float64(t)*d.NearBand))
			var near []Payment
			for _, p := range ps.Of(sid) {
				if p.Pence >= lower && p.Pence < t {
					near = append(near, p)
				}
			}
			for i := 0; i < len(near); {
				j := i + 1
				for j < len(near) && days(near[i].Date, near[j].Date) <= d.WindowDays {
					j++
				}
				group := near[i:j]
				var sum int64
				for _, p := range group {
					sum += p.Pence
				}
				if len(group) < 2 || sum <= t {
					i++
					continue
				}
				span := days(group[0].Date, group[len(group)-1].Date)
				sev := 0.5 + 0.1*float64(len(group)-2) + 0.3*(1-float64(span)/float64(d.WindowDays))
				out = append(out, Candidate{
					Detector:   ThresholdSplitting,
					Severity:   clamp01(sev),
					SupplierID: sid,
					PaymentIDs: ids(group),
					Rationale: fmt.Sprintf("%d payments to %s between %s and %s each just under the %s approval threshold, totalling %s",
						len(group), supplierLabel(group[0]), group[0].Day(), group[len(group)-1].Day(), pounds(t), pounds(sum)),
				})
				i = j
			}
		}
	}
	return out, nil
}

// DuplicateDetector flags same-amount payments to one supplier a few days
// apart. Exact reimports never reach it: the record hash dedups those.
type DuplicateDetector struct {
	WindowDays int
}

func (d *DuplicateDetector) Name() string { return DuplicatePayment }

func (d *DuplicateDetector) Detect(ctx context.Context, ps PaymentSet, _ Context) ([]Candidate, error) {
	var out []Candidate
	for _, sid := range ps.Suppliers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byAmount := make(map[int64][]Payment)
		var amounts []int64
		for _, p := range ps.Of(sid) {
			if _, ok := byAmount[p.Pence]; !ok {
				amounts = append(amounts, p.Pence)
			}
			byAmount[p.Pence] = append(byAmount[p.Pence], p)
		}
		for _, amt := range amounts {
			list := byAmount[amt]
			for i := 0; i < len(list); {
				j, maxGap := i+1, 0
				for j < len(list) {
					gap := days(list[j-1].Date, list[j].Date)
					if gap > d.WindowDays {
						break
					}
					maxGap = max(maxGap, gap)
					j++
				}
				if j-i >= 2 {
					cluster := list[i:j]
					out = append(out, Candidate{
						Detector:   DuplicatePayment,
						Severity:   clamp01(0.6 + 0.4*(1-float64(maxGap)/float64(d.WindowDays+1))),
						SupplierID: sid,
						PaymentIDs: ids(cluster),
						Rationale: fmt.Sprintf("%d payments of %s to %s within %d days (%s to %s)",
							len(cluster), pounds(amt), supplierLabel(cluster[0]), days(cluster[0].Date, cluster[len(cluster)-1].Date),
							cluster[0].Day(), cluster[len(cluster)-1].Day()),
					})
				}
				i = j
			}
		}
	}
	return out, nil
}

// LargeDetector flags single payments above a fixed amount.
type LargeDetector struct {
	ThresholdPence int64
}

func (d *LargeDetector) Name() string { return LargePayment }

func (d *LargeDetector) Detect(ctx context.Context, ps PaymentSet, _ Context) ([]Candidate, error) {
	var out []Candidate
	for _, sid := range ps.Suppliers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, p := range ps.Of(sid) {
			if p.Pence <= d.ThresholdPence {
				continue
			}
			ratio := float64(p.Pence) / float64(d.ThresholdPence)
			out = append(out, Candidate{
				Detector:   LargePayment,
				Severity:   clamp01(0.3 + 0.2*math.Log10(ratio)),
				SupplierID: sid,
				PaymentIDs: []string{p.ID},
				Rationale:  fmt.Sprintf("payment of %s to %s on %s exceeds %s", pounds(p.Pence), supplierLabel(p), p.Day(), pounds(d.ThresholdPence)),
			})
		}
	}
	return out, nil
}

// FrequencyDetector flags suppliers paid more than Max times in one
// calendar month.
type FrequencyDetector struct {
	Max int
}

func (d *FrequencyDetector) Name() string { return PaymentFrequency }

func (d *FrequencyDetector) Detect(ctx context.Context, ps PaymentSet, _ Context) ([]Candidate, error) {
	var out []Candidate
	for _, sid := range ps.Suppliers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pays := ps.Of(sid)
		for i := 0; i < len(pays); {
			month := pays[i].Day()[:7]
			j := i
			for j < len(pays) && strings.HasPrefix(pays[j].Day(), month) {
				j++
			}
			if n := j - i; n > d.Max {
				out = append(out, Candidate{
					Detector:   PaymentFrequency,
					Severity:   clamp01(0.3 + 0.05*float64(n-d.Max)),
					SupplierID: sid,
					PaymentIDs: ids(pays[i:j]),
					Key:        PaymentFrequency + ":" + sid + ":" + month,
					Rationale:  fmt.Sprintf("%d payments to %s in %s (more than %d in a month)", n, supplierLabel(pays[i]), month, d.Max),
				})
			}
			i = j
		}
	}
	return out, nil
}
