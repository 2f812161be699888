package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

func payment(id, supplier string, pence int64, date string) *store.Payment {
	return &store.Payment{ID: id, SupplierID: supplier, SupplierName: "Supplier " + supplier, AmountPence: pence, Date: date}
}

func defaults() Config {
	var c Config
	c.Defaults()
	return c
}

func TestRoundDetector_FlagsAgainstBaseline(t *testing.T) {
	// WHAT: 40 of 50 round payments against a 5% council baseline is flagged;
	// 2 of 50 is not.
	// WHY: round-number bias is the headline signal for estimated invoicing.
	cfg := defaults()
	d := &RoundDetector{UnitPence: cfg.RoundUnitPence, MinPayments: cfg.RoundMinPayments, Z: cfg.RoundZ, BaselineFloor: cfg.RoundBaselineFloor}

	build := func(round int) (PaymentSet, Context) {
		var pays []*store.Payment
		for i := range 50 {
			pence := int64(123_456 + i)
			if i < round {
				pence = int64(i+1) * 100_000
			}
			pays = append(pays, payment(fmt.Sprintf("p%02d", i), "s1", pence, fmt.Sprintf("2024-%02d-01", i%12+1)))
		}
		c := Context{CouncilID: "c1", Round: map[string]RoundTally{
			"s1":    {Payments: 50, Round: round},
			"other": {Payments: 1000, Round: 50},
		}}
		return NewPaymentSet(pays), c
	}

	ps, c := build(40)
	got, err := d.Detect(context.Background(), ps, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got[0].PaymentIDs) != 40 {
		t.Fatalf("40/50: got %+v", got)
	}
	wantSev := (0.8 - 0.05) / 0.95
	if math.Abs(got[0].Severity-wantSev) > 1e-9 {
		t.Errorf("severity = %f, want %f", got[0].Severity, wantSev)
	}

	ps, c = build(2)
	got, err = d.Detect(context.Background(), ps, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("2/50: got %+v", got)
	}
}

func TestRoundDetector_MinPayments(t *testing.T) {
	d := &RoundDetector{UnitPence: 100_000, MinPayments: 10, Z: 3, BaselineFloor: 0.01}
	pays := []*store.Payment{
		payment("a", "s1", 100_000, "2024-01-01"),
		payment("b", "s1", 200_000, "2024-01-02"),
	}
	got, _ := d.Detect(context.Background(), NewPaymentSet(pays), Context{})
	if len(got) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestSplitDetector(t *testing.T) {
	// WHAT: three £4,999 payments within 5 days are one anomaly; the same
	// payments six months apart are none.
	// WHY: splitting an order to stay under the £5,000 sign-off is the
	// pattern procurement rules exist to stop.
	d := &SplitDetector{ThresholdsPence: []int64{500_000}, NearBand: 0.1, WindowDays: 14}

	burst := []*store.Payment{
		payment("a", "s1", 499_900, "2024-04-01"),
		payment("b", "s1", 499_900, "2024-04-03"),
		payment("c", "s1", 499_900, "2024-04-06"),
	}
	got, err := d.Detect(context.Background(), NewPaymentSet(burst), Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || strings.Join(got[0].PaymentIDs, ",") != "a,b,c" || got[0].Severity <= 0 {
		t.Fatalf("burst: got %+v", got)
	}

	spread := []*store.Payment{
		payment("a", "s1", 499_900, "2024-01-10"),
		payment("b", "s1", 499_900, "2024-04-10"),
		payment("c", "s1", 499_900, "2024-07-10"),
	}
	got, _ = d.Detect(context.Background(), NewPaymentSet(spread), Context{})
	if len(got) != 0 {
		t.Fatalf("spread: got %+v", got)
	}
}

func TestSplitDetector_SumMustExceed(t *testing.T) {
	d := &SplitDetector{ThresholdsPence: []int64{10_000_000}, NearBand: 0.1, WindowDays: 14}
	pays := []*store.Payment{
		payment("a", "s1", 9_500_000, "2024-04-01"),
		payment("b", "s1", 400_000, "2024-04-02"),
	}
	got, _ := d.Detect(context.Background(), NewPaymentSet(pays), Context{})
	if len(got) != 0 {
		t.Errorf("one near-threshold payment flagged: %+v", got)
	}
}

func TestDuplicateDetector(t *testing.T) {
	d := &DuplicateDetector{WindowDays: 7}
	pays := []*store.Payment{
		payment("a", "s1", 123_456, "2024-04-01"),
		payment("b", "s1", 123_456, "2024-04-04"),
		payment("c", "s1", 123_456, "2024-05-20"),
		payment("d", "s2", 123_456, "2024-04-02"),
	}
	got, err := d.Detect(context.Background(), NewPaymentSet(pays), Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || strings.Join(got[0].PaymentIDs, ",") != "a,b" {
		t.Fatalf("got %+v", got)
	}
	if want := 0.6 + 0.4*(1-3.0/8.0); math.Abs(got[0].Severity-want) > 1e-9 {
		t.Errorf("severity = %f, want %f", got[0].Severity, want)
	}
}

func TestLargeAndFrequencyDetectors(t *testing.T) {
	large := &LargeDetector{ThresholdPence: 10_000_000}
	got, _ := large.Detect(context.Background(), NewPaymentSet([]*store.Payment{
		payment("a", "s1", 25_000_000, "2024-04-01"),
		payment("b", "s1", 10_000_000, "2024-04-02"),
	}), Context{})
	if len(got) != 1 || got[0].PaymentIDs[0] != "a" {
		t.Fatalf("large: %+v", got)
	}
	if want := 0.3 + 0.2*math.Log10(2.5); math.Abs(got[0].Severity-want) > 1e-9 {
		t.Errorf("large severity = %f", got[0].Severity)
	}

	var pays []*store.Payment
	for i := range 7 {
		pays = append(pays, payment(fmt.Sprintf("m%d", i), "s1", 1000, fmt.Sprintf("2024-05-%02d", i+1)))
	}
	pays = append(pays, payment("j1", "s1", 1000, "2024-06-01"))
	freq := &FrequencyDetector{Max: 5}
	got, _ = freq.Detect(context.Background(), NewPaymentSet(pays), Context{})
	if len(got) != 1 || len(got[0].PaymentIDs) != 7 || math.Abs(got[0].Severity-0.4) > 1e-9 {
		t.Fatalf("frequency: %+v", got)
	}
}

func TestNewPaymentSet_SkipsCredits(t *testing.T) {
	credit := payment("r", "s1", -5000, "2024-04-01")
	credit.IsCredit = true
	ps := NewPaymentSet([]*store.Payment{credit, payment("a", "s1", 100, "2024-04-02"), payment("x", "s1", 100, "bad")})
	if ps.Len() != 1 {
		t.Errorf("len = %d", ps.Len())
	}
}

type fakeDetector struct {
	name string
	run  func(ctx context.Context) ([]Candidate, error)
}

func (f *fakeDetector) Name() string { return f.name }
func (f *fakeDetector) Detect(ctx context.Context, _ PaymentSet, _ Context) ([]Candidate, error) {
	return f.run(ctx)
}

func TestEngine_MergeAndIsolation(t *testing.T) {
	// WHAT: candidates sharing a payment merge (max severity, declared order,
	// joined rationale); a panicking or hung detector is reported, not fatal.
	ps := NewPaymentSet([]*store.Payment{payment("p1", "s1", 100, "2024-04-01"), payment("p2", "s1", 100, "2024-04-09")})
	a := &fakeDetector{name: "a", run: func(context.Context) ([]Candidate, error) {
		return []Candidate{{Detector: "a", Severity: 0.4, Rationale: "first", SupplierID: "s1", PaymentIDs: []string{"p2", "p1"}}}, nil
	}}
	boom := &fakeDetector{name: "boom", run: func(context.Context) ([]Candidate, error) { panic("bad index") }}
	hang := &fakeDetector{name: "hang", run: func(context.Context) ([]Candidate, error) {
		time.Sleep(time.Second)
		return nil, nil
	}}
	b := &fakeDetector{name: "b", run: func(context.Context) ([]Candidate, error) {
		return []Candidate{
			{Detector: "b", Severity: 0.7, Rationale: "second", SupplierID: "s1", PaymentIDs: []string{"p1", "p2"}},
			{Detector: "b", Severity: 1.5, Rationale: "single", SupplierID: "s1", PaymentIDs: []string{"p1"}},
		}, nil
	}}

	e := NewEngineWith([]Detector{b, boom, hang, a}, nil, 50*time.Millisecond, nil)
	res := e.Local(context.Background(), ps, Context{CouncilID: "c1"})
	if strings.Join(res.Failed, ",") != "boom,hang" {
		t.Errorf("failed = %v", res.Failed)
	}
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	m := res.Candidates[0]
	if strings.Join(m.Detectors, ",") != "b,a" || m.Rationale != "second; single; first" {
		t.Errorf("merged = %+v", m)
	}
	if m.Severity != 1 {
		t.Errorf("severity not clamped: %f", m.Severity)
	}
	if m.LatestPaymentDate != "2024-04-09" || m.Scope != store.ScopeLocal || strings.Join(m.PaymentIDs, ",") != "p1,p2" {
		t.Errorf("merged = %+v", m)
	}

	again := e.Local(context.Background(), ps, Context{CouncilID: "c1"})
	if again.Candidates[0].Fingerprint != m.Fingerprint {
		t.Error("fingerprint not stable across runs")
	}
	if Fingerprint(store.ScopeCross, "p1,p2") == m.Fingerprint {
		t.Error("scopes share fingerprints")
	}
}

func TestEngine_MergesOverlappingFindings(t *testing.T) {
	// WHAT: two large payments that are also duplicates of each other yield
	// one finding covering both, at the duplicate's severity.
	// WHY: a payment must not be referenced by several unmerged anomalies.
	e := NewEngine(defaults(), nil)
	ps := NewPaymentSet([]*store.Payment{
		payment("a", "s1", 25_000_000, "2024-04-01"),
		payment("b", "s1", 25_000_000, "2024-04-03"),
		payment("c", "s2", 30_000_000, "2024-04-03"),
	})
	res := e.Local(context.Background(), ps, Context{CouncilID: "c1"})
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	seen := make(map[string]int)
	for _, c := range res.Candidates {
		for _, id := range c.PaymentIDs {
			seen[id]++
		}
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("payment %s in %d findings", id, n)
		}
	}
	var pair store.AnomalyCandidate
	for _, c := range res.Candidates {
		if c.SupplierID == "s1" {
			pair = c
		}
	}
	if strings.Join(pair.PaymentIDs, ",") != "a,b" || strings.Join(pair.Detectors, ",") != DuplicatePayment+","+LargePayment {
		t.Fatalf("merged = %+v", pair)
	}
	if want := 0.6 + 0.4*(1-2.0/8); math.Abs(pair.Severity-want) > 1e-9 {
		t.Errorf("severity = %f, want %f", pair.Severity, want)
	}
	if strings.Count(pair.Rationale, "; ") != 2 {
		t.Errorf("rationale = %q", pair.Rationale)
	}
}

func TestEngine_KeyedFindingSurvivesNewPayments(t *testing.T) {
	// WHAT: a supplier-level round-number finding keeps its fingerprint when
	// another round payment arrives.
	// WHY: a reviewer's dismissal is keyed by fingerprint and must stick.
	e := NewEngine(defaults(), nil)
	build := func(n int) Result {
		var pays []*store.Payment
		for i := range n {
			pays = append(pays, payment(fmt.Sprintf("r%02d", i), "s1", 200_000, fmt.Sprintf("%d-%02d-15", 2023+i/12, i%12+1)))
		}
		return e.Local(context.Background(), NewPaymentSet(pays), Context{CouncilID: "c1", Round: map[string]RoundTally{
			"s1":    {Payments: n, Round: n},
			"other": {Payments: 500, Round: 5},
		}})
	}
	before, after := build(12), build(13)
	if len(before.Candidates) != 1 || len(after.Candidates) != 1 {
		t.Fatalf("before = %+v after = %+v", before.Candidates, after.Candidates)
	}
	if before.Candidates[0].Fingerprint != after.Candidates[0].Fingerprint {
		t.Error("round finding changed identity with a new payment")
	}
	if before.Candidates[0].Fingerprint != Fingerprint(store.ScopeLocal, RoundNumber+":s1") {
		t.Error("round finding not keyed by supplier")
	}
	if len(after.Candidates[0].PaymentIDs) != 13 {
		t.Errorf("payments = %d", len(after.Candidates[0].PaymentIDs))
	}
}

func TestEngine_Disabled(t *testing.T) {
	e := NewEngine(Config{Disabled: []string{LargePayment}}, nil)
	res := e.Local(context.Background(), NewPaymentSet([]*store.Payment{payment("a", "s1", 50_000_000, "2024-04-01")}), Context{})
	if len(res.Candidates) != 0 {
		t.Errorf("disabled detector ran: %+v", res.Candidates)
	}
}

func profile(id string, total int64, topShare float64) store.CouncilSpend {
	spend := int64(float64(total) * topShare)
	return store.CouncilSpend{
		CouncilID:   id,
		CouncilName: "Council " + id,
		TotalPence:  total,
		TopSuppliers: []store.SupplierSpend{{
			SupplierID: "sup-" + id, SupplierName: "Top " + id, SpendPence: spend,
			TopPaymentIDs: []string{"pay-" + id}, LatestPaymentDate: "2024-04-30",
		}},
	}
}

func TestConcentration_CrossPass(t *testing.T) {
	// WHAT: a 60% top supplier against peers at ~10% is flagged in the
	// cross pass; with too few peers nothing is.
	// WHY: concentration only means something against comparable councils.
	snap := NewSnapshot([]store.CouncilSpend{
		profile("me", 1_000_000_000, 0.60),
		profile("p1", 900_000_000, 0.10),
		profile("p2", 1_200_000_000, 0.12),
		profile("p3", 800_000_000, 0.11),
		profile("p4", 1_100_000_000, 0.09),
		profile("huge", 90_000_000_000, 0.05),
	})
	if peers := snap.Peers("me", 3); len(peers) != 4 {
		t.Fatalf("peers = %d", len(peers))
	}
	e := NewEngine(Config{}, nil)
	res := e.Cross(context.Background(), snap, "me")
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	c := res.Candidates[0]
	if c.Scope != store.ScopeCross || c.SupplierID != "sup-me" || c.Severity <= 0.5 || c.LatestPaymentDate != "2024-04-30" {
		t.Errorf("candidate = %+v", c)
	}
	if c.Fingerprint != Fingerprint(store.ScopeCross, "concentration:sup-me") {
		t.Error("concentration fingerprint should not depend on payment ids")
	}

	if res := e.Cross(context.Background(), snap, "p1"); len(res.Candidates) != 0 {
		t.Errorf("typical council flagged: %+v", res.Candidates)
	}

	small := NewSnapshot([]store.CouncilSpend{profile("me", 1_000_000_000, 0.6), profile("p1", 900_000_000, 0.1)})
	if res := e.Cross(context.Background(), small, "me"); len(res.Candidates) != 0 {
		t.Errorf("flagged with one peer: %+v", res.Candidates)
	}
}
