package detect

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// Result is the merged output of one engine pass.
type Result struct {
	Candidates []store.AnomalyCandidate
	// Failed lists detectors that errored, panicked or timed out.
	Failed []string
}

// Engine runs detectors in declared order with a per-detector timeout.
type Engine struct {
	local   []Detector
	cross   []Detector
	order   map[string]int
	timeout time.Duration
	logger  *slog.Logger
	// roundUnit is the amount whose multiples the round tallies count.
	roundUnit int64
}

// NewEngine builds the standard detector pipeline from cfg.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	cfg.Defaults()
	local := []Detector{
		&RoundDetector{UnitPence: cfg.RoundUnitPence, MinPayments: cfg.RoundMinPayments, Z: cfg.RoundZ, BaselineFloor: cfg.RoundBaselineFloor},
		&SplitDetector{ThresholdsPence: cfg.ApprovalThresholdsPence, NearBand: cfg.NearBand, WindowDays: cfg.SplitWindowDays},
		&DuplicateDetector{WindowDays: cfg.DuplicateWindowDays},
		&LargeDetector{ThresholdPence: cfg.LargePaymentPence},
		&FrequencyDetector{Max: cfg.MaxPaymentsPerMonth},
	}
	cross := []Detector{
		&ConcentrationDetector{PeerSizeBand: cfg.PeerSizeBand, Z: cfg.ConcentrationZ, MinShare: cfg.MinConcentrationShare, MinPeers: cfg.MinPeers, MADFloor: cfg.MADFloor},
	}
	keep := func(ds []Detector) []Detector {
		return slices.DeleteFunc(ds, func(d Detector) bool { return slices.Contains(cfg.Disabled, d.Name()) })
	}
	e := NewEngineWith(keep(local), keep(cross), cfg.DetectorTimeout, logger)
	e.roundUnit = cfg.RoundUnitPence
	return e
}

// NewEngineWith builds an engine from explicit detector lists.
func NewEngineWith(local, cross []Detector, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &Engine{local: local, cross: cross, order: make(map[string]int), timeout: timeout, logger: logger, roundUnit: 100_000}
	for i, d := range slices.Concat(local, cross) {
		e.order[d.Name()] = i
	}
	return e
}

// Local runs the per-council detectors.
func (e *Engine) Local(ctx context.Context, ps PaymentSet, c Context) Result {
	return e.run(ctx, e.local, ps, c, store.ScopeLocal)
}

// Rescore returns the batch callback that loads the touched suppliers'
// payments through the write transaction and runs the local pass.
func (e *Engine) Rescore(councilID string) store.RescoreFunc {
	return func(ctx context.Context, q store.Querier, touched []string) ([]store.AnomalyCandidate, []string, error) {
		pays, err := store.SupplierPayments(ctx, q, councilID, touched)
		if err != nil {
			return nil, nil, fmt.Errorf("load payments: %w", err)
		}
		stats, err := store.RoundStats(ctx, q, councilID, e.roundUnit)
		if err != nil {
			return nil, nil, fmt.Errorf("round stats: %w", err)
		}
		tallies := make(map[string]RoundTally, len(stats))
		for id, rc := range stats {
			tallies[id] = RoundTally{Payments: rc.Payments, Round: rc.Round}
		}
		res := e.Local(ctx, NewPaymentSet(pays), Context{CouncilID: councilID, Round: tallies})
		return res.Candidates, res.Failed, nil
	}
}

// Cross runs the cross-council detectors for one council of snap.
func (e *Engine) Cross(ctx context.Context, snap *Snapshot, councilID string) Result {
	return e.run(ctx, e.cross, PaymentSet{}, Context{CouncilID: councilID, Snapshot: snap}, store.ScopeCross)
}

func (e *Engine) run(ctx context.Context, detectors []Detector, ps PaymentSet, c Context, scope string) Result {
	var res Result
	var all []Candidate
	dates := make(map[string]string)
	for _, list := range ps.bySupplier {
		for _, p := range list {
			dates[p.ID] = p.Day()
		}
	}
	if c.Snapshot != nil {
		if me, ok := c.Snapshot.Profile(c.CouncilID); ok {
			for _, t := range me.Top {
				for _, id := range t.PaymentIDs {
					dates[id] = t.LatestPaymentDate
				}
			}
		}
	}

	for _, d := range detectors {
		start := time.Now()
		cands, err := e.runOne(ctx, d, ps, c)
		if err != nil {
			e.logger.Warn("detect: detector failed", "detector", d.Name(), "council_id", c.CouncilID, "error", err)
			res.Failed = append(res.Failed, d.Name())
			continue
		}
		e.logger.Debug("detect: detector done", "detector", d.Name(), "council_id", c.CouncilID,
			"candidates", len(cands), "duration", time.Since(start))
		all = append(all, cands...)
	}
	res.Candidates = e.merge(all, scope, dates)
	return res
}

func (e *Engine) runOne(ctx context.Context, d Detector, ps PaymentSet, c Context) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		cands []Candidate
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		cs, err := d.Detect(ctx, ps, c)
		done <- outcome{cs, err}
	}()
	select {
	case o := <-done:
		return o.cands, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// merge combines candidates that share a payment into one finding: the
// highest severity wins, detector names keep declared order and rationales
// are joined. Overlap is transitive. A merged finding takes the explicit key
// of its earliest-declared keyed detector, else its sorted payment set.
func (e *Engine) merge(all []Candidate, scope string, dates map[string]string) []store.AnomalyCandidate {
	all = slices.DeleteFunc(slices.Clone(all), func(c Candidate) bool { return len(c.PaymentIDs) == 0 })

	parent := make([]int, len(all))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	owner := make(map[string]int)
	for i, c := range all {
		for _, id := range c.PaymentIDs {
			j, ok := owner[id]
			if !ok {
				owner[id] = i
				continue
			}
			// The lower index stays root so groups keep first-seen order.
			if ri, rj := find(i), find(j); ri != rj {
				parent[max(ri, rj)] = min(ri, rj)
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range all {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	out := make([]store.AnomalyCandidate, 0, len(roots))
	for _, r := range roots {
		m := store.AnomalyCandidate{Scope: scope, SupplierID: all[r].SupplierID}
		var pids, rationales []string
		key, keyRank := "", 0
		for _, i := range groups[r] {
			c := all[i]
			pids = append(pids, c.PaymentIDs...)
			if c.Key != "" {
				rank := e.order[c.Detector]
				if key == "" || rank < keyRank || (rank == keyRank && c.Key < key) {
					key, keyRank = c.Key, rank
				}
			}
			if !slices.Contains(m.Detectors, c.Detector) {
				m.Detectors = append(m.Detectors, c.Detector)
			}
			m.Severity = max(m.Severity, clamp01(c.Severity))
			if !slices.Contains(rationales, c.Rationale) {
				rationales = append(rationales, c.Rationale)
			}
		}
		slices.Sort(pids)
		m.PaymentIDs = slices.Compact(pids)
		if key == "" {
			key = strings.Join(m.PaymentIDs, ",")
		}
		m.Fingerprint = Fingerprint(scope, key)
		for _, id := range m.PaymentIDs {
			m.LatestPaymentDate = max(m.LatestPaymentDate, dates[id])
		}
		slices.SortStableFunc(m.Detectors, func(a, b string) int { return e.order[a] - e.order[b] })
		m.Rationale = strings.Join(rationales, "; ")
		out = append(out, m)
	}
	return out
}

// Fingerprint is the stable identity of a finding within a council: a
// BLAKE2b-256 over the pass scope and the finding key.
func Fingerprint(scope, key string) string {
	sum := blake2b.Sum256([]byte(scope + "\x1f" + key))
	return hex.EncodeToString(sum[:])
}
