package detect

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// SupplierShare is one of a council's largest suppliers.
type SupplierShare struct {
	SupplierID        string
	SupplierName      string
	SpendPence        int64
	PaymentIDs        []string
	LatestPaymentDate string
}

// CouncilProfile is a council's gross spend and its largest suppliers,
// largest first.
type CouncilProfile struct {
	CouncilID  string
	Name       string
	TotalPence int64
	Top        []SupplierShare
}

// Snapshot is an immutable view of every council's spend profile taken
// after the per-council pass of a run.
type Snapshot struct {
	councils []CouncilProfile
	byID     map[string]int
}

// NewSnapshot copies store profiles into a Snapshot.
func NewSnapshot(profiles []store.CouncilSpend) *Snapshot {
	s := &Snapshot{byID: make(map[string]int, len(profiles))}
	for _, p := range profiles {
		cp := CouncilProfile{CouncilID: p.CouncilID, Name: p.CouncilName, TotalPence: p.TotalPence}
		for _, t := range p.TopSuppliers {
			cp.Top = append(cp.Top, SupplierShare{
				SupplierID:        t.SupplierID,
				SupplierName:      t.SupplierName,
				SpendPence:        t.SpendPence,
				PaymentIDs:        slices.Clone(t.TopPaymentIDs),
				LatestPaymentDate: t.LatestPaymentDate,
			})
		}
		s.byID[cp.CouncilID] = len(s.councils)
		s.councils = append(s.councils, cp)
	}
	return s
}

// Councils returns the council ids in the snapshot.
func (s *Snapshot) Councils() []string {
	out := make([]string, len(s.councils))
	for i, c := range s.councils {
		out[i] = c.CouncilID
	}
	return out
}

// Profile returns one council's profile.
func (s *Snapshot) Profile(councilID string) (CouncilProfile, bool) {
	i, ok := s.byID[councilID]
	if !ok {
		return CouncilProfile{}, false
	}
	return s.councils[i], true
}

// Peers returns the other councils whose total spend is within a factor of
// band of councilID's.
func (s *Snapshot) Peers(councilID string, band float64) []CouncilProfile {
	me, ok := s.Profile(councilID)
	if !ok || me.TotalPence <= 0 {
		return nil
	}
	lo, hi := float64(me.TotalPence)/band, float64(me.TotalPence)*band
	var out []CouncilProfile
	for _, c := range s.councils {
		if c.CouncilID == councilID {
			continue
		}
		if t := float64(c.TotalPence); t >= lo && t <= hi {
			out = append(out, c)
		}
	}
	return out
}

// ConcentrationDetector flags a supplier whose share of council spend is an
// outlier against the top-supplier shares of similarly sized councils,
// using a median/MAD robust z-score.
type ConcentrationDetector struct {
	PeerSizeBand float64
	Z            float64
	MinShare     float64
	MinPeers     int
	MADFloor     float64
}

func (d *ConcentrationDetector) Name() string { return SupplierConcentration }

func (d *ConcentrationDetector) Detect(ctx context.Context, _ PaymentSet, c Context) ([]Candidate, error) {
	if c.Snapshot == nil {
		return nil, nil
	}
	me, ok := c.Snapshot.Profile(c.CouncilID)
	if !ok || me.TotalPence <= 0 {
		return nil, nil
	}
	peers := c.Snapshot.Peers(c.CouncilID, d.PeerSizeBand)
	if len(peers) < d.MinPeers {
		return nil, nil
	}
	var shares []float64
	for _, p := range peers {
		if len(p.Top) > 0 {
			shares = append(shares, float64(p.Top[0].SpendPence)/float64(p.TotalPence))
		}
	}
	if len(shares) < d.MinPeers {
		return nil, nil
	}
	med := median(shares)
	dev := make([]float64, len(shares))
	for i, s := range shares {
		dev[i] = math.Abs(s - med)
	}
	mad := max(1.4826*median(dev), d.MADFloor)

	var out []Candidate
	for _, sup := range me.Top {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		share := float64(sup.SpendPence) / float64(me.TotalPence)
		z := (share - med) / mad
		if z < d.Z || share < d.MinShare || len(sup.PaymentIDs) == 0 {
			continue
		}
		name := sup.SupplierName
		if name == "" {
			name = sup.SupplierID
		}
		out = append(out, Candidate{
			Detector:   SupplierConcentration,
			Severity:   clamp01(0.5 + 0.5*(1-d.Z/z)),
			SupplierID: sup.SupplierID,
			PaymentIDs: sup.PaymentIDs,
			Key:        "concentration:" + sup.SupplierID,
			Rationale: fmt.Sprintf("%s receives %.0f%% of %s's spend; top-supplier share at %d peer councils has median %.0f%% (robust z=%.1f)",
				name, share*100, me.Name, len(shares), med*100, z),
		})
	}
	return out, nil
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
