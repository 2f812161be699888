package spending

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// UpsertCouncil creates a council or refreshes its region. Councils are
// keyed by name; on return c.ID holds the stored id.
func (s *Service) UpsertCouncil(ctx context.Context, c *Council) error {
	if err := validateCouncil(c); err != nil {
		return err
	}
	return s.store.UpsertCouncil(ctx, c)
}

// GetCouncil returns a council by id.
func (s *Service) GetCouncil(ctx context.Context, id string) (*Council, error) {
	return s.store.GetCouncil(ctx, id)
}

// ListCouncils returns councils ordered by name.
func (s *Service) ListCouncils(ctx context.Context, activeOnly bool) ([]*Council, error) {
	return s.store.ListCouncils(ctx, activeOnly)
}

// UpsertSource registers a source keyed by (council, normalized endpoint).
// Registering an identical source again only refreshes its updated_at.
// Reports whether a new source was created.
func (s *Service) UpsertSource(ctx context.Context, src *Source) (bool, error) {
	if err := validateSource(src); err != nil {
		return false, err
	}
	if err := s.urlValidator(src.Endpoint); err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := s.store.GetCouncil(ctx, src.CouncilID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("%w: unknown council %q", ErrValidation, src.CouncilID)
		}
		return false, err
	}
	created, err := s.store.UpsertSource(ctx, src)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("spending: source registered", "council_id", src.CouncilID, "source_id", src.ID,
			"endpoint", src.Endpoint, "format", src.Format, "origin", src.Origin)
	}
	return created, nil
}

// GetSource returns a source by id.
func (s *Service) GetSource(ctx context.Context, id string) (*Source, error) {
	return s.store.GetSource(ctx, id)
}

// ListSources returns sources ordered by council name, then endpoint.
func (s *Service) ListSources(ctx context.Context, activeOnly bool) ([]*Source, error) {
	return s.store.ListSources(ctx, activeOnly)
}

// DiscoveryReport summarizes one discovery pass.
type DiscoveryReport struct {
	Candidates      int    `json:"candidates"`
	CouncilsCreated int    `json:"councils_created"`
	SourcesAdded    int    `json:"sources_added"`
	SourcesUpgraded int    `json:"sources_upgraded"`
	SourcesRehinted int    `json:"sources_rehinted"`
	Error           string `json:"error,omitempty"`
}

// Discover walks the configured catalogs and merges the proposed candidates
// into the registry. Missing councils are created. Catalog failures are
// reported in the returned error alongside a report of what was applied.
func (s *Service) Discover(ctx context.Context) (*DiscoveryReport, error) {
	rep := &DiscoveryReport{}
	cands, derr := s.agent.Discover(ctx)
	rep.Candidates = len(cands)

	var errs []error
	if derr != nil {
		errs = append(errs, derr)
	}
	councils := make(map[string]string)
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, ok := councils[c.Council]
		if !ok {
			existing, err := s.store.FindCouncilByName(ctx, c.Council)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if existing == nil {
				council := &Council{Name: c.Council, Region: c.Region}
				if err := s.UpsertCouncil(ctx, council); err != nil {
					errs = append(errs, fmt.Errorf("council %q: %w", c.Council, err))
					continue
				}
				rep.CouncilsCreated++
				existing = council
			}
			id = existing.ID
			councils[c.Council] = id
		}

		src := &Source{
			CouncilID:  id,
			Endpoint:   c.URL,
			Format:     c.Format,
			HintsJSON:  c.HintsJSON,
			Origin:     OriginDiscovered,
			Confidence: c.Confidence,
		}
		if err := validateSource(src); err != nil {
			s.logger.Debug("spending: candidate skipped", "url", c.URL, "error", err)
			continue
		}
		action, err := s.store.ApplyCandidate(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("candidate %s: %w", c.URL, err))
			continue
		}
		switch action {
		case store.CandidateInserted:
			rep.SourcesAdded++
		case store.CandidateUpgraded:
			rep.SourcesUpgraded++
		case store.CandidateRehinted:
			rep.SourcesRehinted++
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		rep.Error = err.Error()
	}
	s.logger.Info("spending: discovery done", "candidates", rep.Candidates,
		"councils_created", rep.CouncilsCreated, "sources_added", rep.SourcesAdded,
		"sources_upgraded", rep.SourcesUpgraded, "error", err)
	return rep, err
}
