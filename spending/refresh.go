package spending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/spendwatch/spending/internal/detect"
	"github.com/hazyhaar/spendwatch/spending/internal/fetch"
	"github.com/hazyhaar/spendwatch/spending/internal/metrics"
	"github.com/hazyhaar/spendwatch/spending/internal/normalize"
	"github.com/hazyhaar/spendwatch/spending/internal/repair"
	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// CouncilFailure reports a council skipped by a refresh run.
type CouncilFailure struct {
	CouncilID string `json:"council_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// RefreshReport summarizes one refresh run.
type RefreshReport struct {
	RunID      string `json:"run_id"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Failed    []CouncilFailure `json:"failed"`

	Inserted   int `json:"payments_inserted"`
	Duplicates int `json:"duplicates_skipped"`
	Rejected   int `json:"rows_rejected"`

	Opened    int `json:"anomalies_opened"`
	Reopened  int `json:"anomalies_reopened"`
	Refreshed int `json:"anomalies_refreshed"`
	Dismissed int `json:"anomalies_dismissed"`

	FailedDetectors []string `json:"failed_detectors,omitempty"`

	Discovery *DiscoveryReport `json:"discovery,omitempty"`
	Purged    int64            `json:"rejected_rows_purged,omitempty"`
}

// councilRun is the outcome of one council's pipeline.
type councilRun struct {
	council  *Council
	batch    *store.BatchResult
	rejected int
	err      error
}

// RunRefresh refreshes every active council, or only those named in
// councilFilter (ids or names). Councils run in parallel up to
// MaxConcurrency, each bounded by CouncilTimeout; a failing council is
// reported and never aborts the others. Once every council has finished,
// the cross-council pass scores the committed state. Discovery runs first
// when catalogs are configured and no filter is given.
//
// The returned error is non-nil only when the run itself could not proceed;
// per-council failures are in the report.
func (s *Service) RunRefresh(ctx context.Context, councilFilter []string) (*RefreshReport, error) {
	started := s.now()
	rep := &RefreshReport{RunID: s.newID(), StartedAt: started.UnixMilli(), Failed: []CouncilFailure{}}
	log := s.logger.With("run_id", rep.RunID)

	if len(councilFilter) == 0 && len(s.catalogs) > 0 {
		disc, err := s.Discover(ctx)
		if err != nil {
			log.Warn("spending: discovery failed", "error", err)
		}
		rep.Discovery = disc
	}

	councils, err := s.selectCouncils(ctx, councilFilter)
	if err != nil {
		return nil, err
	}
	rep.Attempted = len(councils)
	log.Info("spending: refresh started", "councils", len(councils))

	runs := make([]councilRun, len(councils))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrency)
	for i, c := range councils {
		g.Go(func() error {
			runs[i] = s.refreshCouncil(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	failedDetectors := make(map[string]bool)
	for _, r := range runs {
		rep.Rejected += r.rejected
		if r.err != nil {
			kind := ErrorKind(r.err)
			rep.Failed = append(rep.Failed, CouncilFailure{
				CouncilID: r.council.ID,
				Name:      r.council.Name,
				Kind:      kind,
				Error:     r.err.Error(),
			})
			s.metrics.Council(kind)
			continue
		}
		rep.Succeeded++
		s.metrics.Council("ok")
		rep.Inserted += r.batch.Inserted
		rep.Duplicates += r.batch.Duplicates
		rep.Opened += r.batch.Diff.Opened
		rep.Reopened += r.batch.Diff.Reopened
		rep.Refreshed += r.batch.Diff.Refreshed
		rep.Dismissed += r.batch.Diff.Dismissed
		for _, d := range r.batch.FailedDetectors {
			failedDetectors[d] = true
		}
	}

	if ctx.Err() == nil {
		diff, failed, err := s.crossPass(ctx)
		if err != nil {
			log.Warn("spending: cross-council pass failed", "error", err)
		}
		rep.Opened += diff.Opened
		rep.Reopened += diff.Reopened
		rep.Refreshed += diff.Refreshed
		rep.Dismissed += diff.Dismissed
		for _, d := range failed {
			failedDetectors[d] = true
		}
	}
	for d := range failedDetectors {
		rep.FailedDetectors = append(rep.FailedDetectors, d)
		s.metrics.DetectorFailed(d)
	}
	slices.Sort(rep.FailedDetectors)

	if s.config.RejectedRetention > 0 {
		cutoff := s.now().Add(-s.config.RejectedRetention).UnixMilli()
		if n, err := s.store.PurgeRejectedBefore(ctx, cutoff); err != nil {
			log.Warn("spending: purge rejected rows", "error", err)
		} else {
			rep.Purged = n
		}
	}

	finished := s.now()
	rep.FinishedAt = finished.UnixMilli()
	if err := s.saveReport(context.WithoutCancel(ctx), rep); err != nil {
		return rep, fmt.Errorf("save refresh report: %w", err)
	}
	s.metrics.RunDone(metrics.Run{
		Started:    started,
		Finished:   finished,
		Inserted:   rep.Inserted,
		Duplicates: rep.Duplicates,
		Rejected:   rep.Rejected,
		Opened:     rep.Opened,
		Reopened:   rep.Reopened,
		Dismissed:  rep.Dismissed,
	})
	log.Info("spending: refresh done",
		"attempted", rep.Attempted, "succeeded", rep.Succeeded, "failed", len(rep.Failed),
		"inserted", rep.Inserted, "duplicates", rep.Duplicates, "rejected", rep.Rejected,
		"opened", rep.Opened, "dismissed", rep.Dismissed, "duration", finished.Sub(started))
	return rep, nil
}

// selectCouncils resolves the run's councils. An empty filter means every
// active council; otherwise each entry must name a council by id or name.
func (s *Service) selectCouncils(ctx context.Context, filter []string) ([]*Council, error) {
	all, err := s.store.ListCouncils(ctx, len(filter) == 0)
	if err != nil {
		return nil, fmt.Errorf("list councils: %w", err)
	}
	if len(filter) == 0 {
		return all, nil
	}
	var out []*Council
	for _, f := range filter {
		i := slices.IndexFunc(all, func(c *Council) bool {
			return c.ID == f || strings.EqualFold(c.Name, strings.TrimSpace(f))
		})
		if i < 0 {
			return nil, fmt.Errorf("%w: unknown council %q", ErrValidation, f)
		}
		if !slices.Contains(out, all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// refreshCouncil fetches, normalizes and commits one council. All of a
// council's sources land in one batch: a fetch failure or a drifting source
// leaves the council untouched.
func (s *Service) refreshCouncil(ctx context.Context, c *Council) (run councilRun) {
	run.council = c
	ctx, cancel := context.WithTimeout(ctx, s.config.CouncilTimeout)
	defer cancel()
	log := s.logger.With("council_id", c.ID, "council", c.Name)
	start := time.Now()
	defer func() {
		if run.err != nil {
			log.Warn("spending: council failed", "kind", ErrorKind(run.err), "error", run.err, "duration", time.Since(start))
		}
	}()

	sources, err := s.store.CouncilSources(ctx, c.ID, true)
	if err != nil {
		run.err = err
		return run
	}
	if len(sources) == 0 {
		run.err = fmt.Errorf("%w: no active source", ErrSourceUnavailable)
		return run
	}

	batch := &store.Batch{
		CouncilID:   c.ID,
		RefreshedAt: s.now().UnixMilli(),
		Match:       normalize.Matcher(s.config.SupplierMatchThreshold),
		Rescore:     s.engine.Rescore(c.ID),
	}
	var drifted []string
	var held []store.RejectedRow
	var driftErrs []error

	for _, src := range sources {
		res, err := s.fetcher.Fetch(ctx, src.Endpoint, src.LastHash)
		if err != nil {
			run.err = s.fetchFailed(ctx, src, err)
			return run
		}
		if !res.Changed {
			log.Debug("spending: source unchanged", "source_id", src.ID)
			batch.Sources = append(batch.Sources, store.SourceOutcome{SourceID: src.ID})
			continue
		}

		norm, err := normalize.Normalize(normalize.Input{
			CouncilID:     c.ID,
			SourceID:      src.ID,
			Format:        src.Format,
			Data:          res.Body,
			HintsJSON:     src.HintsJSON,
			MaxRejectRate: s.config.MaxRejectRate,
			Now:           s.now(),
		})
		if norm != nil {
			run.rejected += len(norm.Rejected)
		}
		if errors.Is(err, ErrSchemaDrift) {
			drifted = append(drifted, src.ID)
			if norm != nil {
				held = append(held, norm.Rejected...)
			}
			driftErrs = append(driftErrs, fmt.Errorf("source %s: %w", src.Endpoint, err))
			continue
		}
		if err != nil {
			run.err = fmt.Errorf("normalize %s: %w", src.Endpoint, err)
			return run
		}
		log.Debug("spending: source normalized", "source_id", src.ID, "rows", norm.Rows,
			"payments", len(norm.Payments), "rejected", len(norm.Rejected), "duplicates", norm.Duplicates)

		outcome := store.SourceOutcome{SourceID: src.ID, Hash: res.Hash}
		if norm.DerivedHints != nil {
			outcome.HintsJSON = norm.DerivedHints.JSON()
		}
		batch.Sources = append(batch.Sources, outcome)
		batch.Payments = append(batch.Payments, norm.Payments...)
		batch.Rejected = append(batch.Rejected, norm.Rejected...)
	}

	if len(drifted) > 0 {
		run.err = errors.Join(driftErrs...)
		if err := s.store.RecordDrift(ctx, c.ID, drifted, held, run.err.Error()); err != nil {
			run.err = errors.Join(run.err, fmt.Errorf("record drift: %w", err))
		}
		return run
	}

	res, err := s.store.WriteCouncilBatch(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("write batch: %w", ctx.Err())
		}
		run.err = err
		return run
	}
	run.batch = res
	log.Info("spending: council refreshed", "inserted", res.Inserted, "duplicates", res.Duplicates,
		"rejected", run.rejected, "suppliers_created", res.SuppliersCreated, "suppliers_merged", res.SuppliersMerged,
		"opened", res.Diff.Opened, "dismissed", res.Diff.Dismissed, "duration", time.Since(start))
	return run
}

// fetchFailed records a failed fetch on its source and returns the council
// error. A fetch cut short by the council deadline, its own timeout or by
// shutdown is not counted against the source.
func (s *Service) fetchFailed(ctx context.Context, src *Source, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("fetch %s: %w", src.Endpoint, ctxErr)
	}
	class := fetch.ClassOf(err)
	if class == repair.ClassCanceled || class == repair.ClassTimeout {
		return err
	}
	deactivated, rerr := s.store.RecordFetchFailure(ctx, src.ID, err.Error(), string(class), s.config.MaxFailCount)
	if rerr != nil {
		return errors.Join(err, fmt.Errorf("record failure: %w", rerr))
	}
	if deactivated {
		s.logger.Warn("spending: source deactivated", "council_id", src.CouncilID, "source_id", src.ID,
			"endpoint", src.Endpoint, "class", class, "fail_count", src.FailCount+1)
	}
	return err
}

// crossPass scores every council with spend against its peers and diffs the
// result against each council's cross-scope anomalies.
func (s *Service) crossPass(ctx context.Context) (store.DiffResult, []string, error) {
	var total store.DiffResult
	profiles, err := s.store.SpendProfiles(ctx, s.config.CrossTopSuppliers, s.config.CrossPaymentsPerSupplier)
	if err != nil {
		return total, nil, fmt.Errorf("spend profiles: %w", err)
	}
	snap := detect.NewSnapshot(profiles)

	var errs []error
	var failed []string
	for _, id := range snap.Councils() {
		res := s.engine.Cross(ctx, snap, id)
		for _, d := range res.Failed {
			if !slices.Contains(failed, d) {
				failed = append(failed, d)
			}
		}
		diff, err := s.store.ApplyCrossAnomalies(ctx, id, res.Candidates, res.Failed)
		if err != nil {
			errs = append(errs, fmt.Errorf("council %s: %w", id, err))
			continue
		}
		total.Opened += diff.Opened
		total.Reopened += diff.Reopened
		total.Refreshed += diff.Refreshed
		total.Dismissed += diff.Dismissed
	}
	return total, failed, errors.Join(errs...)
}

func (s *Service) saveReport(ctx context.Context, rep *RefreshReport) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return s.store.InsertRefreshRun(ctx, &store.RefreshRun{
		ID:         rep.RunID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
		ReportJSON: string(b),
	})
}
