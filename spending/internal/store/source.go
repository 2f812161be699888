package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
)

const sourceCols = `s.id, s.council_id, c.name, s.endpoint, s.format, s.hints_json, s.hints_stale,
	s.origin, s.confidence, s.active, s.last_success_at, s.last_failure_at, s.last_seen_at,
	s.last_error, s.error_class, s.fail_count, s.last_hash, s.created_at, s.updated_at`

const sourceFrom = ` FROM sources s JOIN councils c ON c.id = s.council_id`

// UpsertSource inserts or updates a source keyed by (council, endpoint).
// Re-registering an identical source only refreshes updated_at. A changed
// registration replaces format and hints, clears staleness and failures, and
// reactivates the source and its council. Returns true when a row was created.
func (s *Store) UpsertSource(ctx context.Context, src *Source) (bool, error) {
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := councilExistsTx(ctx, tx, src.CouncilID); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		if src.HintsJSON == "" {
			src.HintsJSON = "{}"
		}
		if src.Origin == "" {
			src.Origin = OriginManual
		}
		if src.Origin == OriginManual || src.Confidence == 0 {
			src.Confidence = 1.0
		}

		existing, err := sourceByEndpointTx(ctx, tx, src.CouncilID, src.Endpoint)
		if err != nil {
			return err
		}
		if existing == nil {
			created = true
			if src.ID == "" {
				src.ID = s.newID(idgen.PrefixSource)
			}
			src.Active = true
			src.CreatedAt, src.UpdatedAt = now, now
			_, err := tx.ExecContext(ctx,
				`INSERT INTO sources (id, council_id, endpoint, format, hints_json, origin,
				 confidence, active, last_seen_at, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
				src.ID, src.CouncilID, src.Endpoint, src.Format, src.HintsJSON, src.Origin,
				src.Confidence, now, now, now)
			if err != nil {
				return err
			}
			return reactivateCouncilTx(ctx, tx, src.CouncilID, now)
		}

		src.ID = existing.ID
		if existing.Format == src.Format && existing.HintsJSON == src.HintsJSON && existing.Active {
			_, err := tx.ExecContext(ctx, `UPDATE sources SET updated_at = ? WHERE id = ?`, now, src.ID)
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sources SET format = ?, hints_json = ?, hints_stale = 0,
			 origin = CASE WHEN origin = 'manual' THEN origin ELSE ? END,
			 confidence = MAX(confidence, ?), active = 1, fail_count = 0, updated_at = ?
			 WHERE id = ?`,
			src.Format, src.HintsJSON, src.Origin, src.Confidence, now, src.ID)
		if err != nil {
			return err
		}
		return reactivateCouncilTx(ctx, tx, src.CouncilID, now)
	})
	return created, err
}

// Candidate actions returned by ApplyCandidate.
const (
	CandidateInserted = "inserted"
	CandidateUpgraded = "upgraded"
	CandidateRehinted = "rehinted"
	CandidateSeen     = "seen"
)

// ApplyCandidate merges a discovered source. New endpoints are inserted with
// origin "discovered". An existing endpoint is only touched (last_seen_at)
// unless the candidate's confidence strictly exceeds the stored one, in which
// case format, hints and confidence are replaced. Stale hints are re-derived
// from the candidate regardless of confidence.
func (s *Store) ApplyCandidate(ctx context.Context, src *Source) (string, error) {
	action := CandidateSeen
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := councilExistsTx(ctx, tx, src.CouncilID); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		if src.HintsJSON == "" {
			src.HintsJSON = "{}"
		}
		existing, err := sourceByEndpointTx(ctx, tx, src.CouncilID, src.Endpoint)
		if err != nil {
			return err
		}
		if existing == nil {
			action = CandidateInserted
			src.ID = s.newID(idgen.PrefixSource)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO sources (id, council_id, endpoint, format, hints_json, origin,
				 confidence, active, last_seen_at, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
				src.ID, src.CouncilID, src.Endpoint, src.Format, src.HintsJSON, OriginDiscovered,
				src.Confidence, now, now, now)
			if err != nil {
				return err
			}
			return reactivateCouncilTx(ctx, tx, src.CouncilID, now)
		}

		src.ID = existing.ID
		switch {
		case src.Confidence > existing.Confidence:
			action = CandidateUpgraded
			_, err = tx.ExecContext(ctx,
				`UPDATE sources SET format = ?, hints_json = ?, hints_stale = 0, confidence = ?,
				 last_seen_at = ?, updated_at = ? WHERE id = ?`,
				src.Format, src.HintsJSON, src.Confidence, now, now, src.ID)
		case existing.HintsStale && src.HintsJSON != "{}":
			action = CandidateRehinted
			_, err = tx.ExecContext(ctx,
				`UPDATE sources SET hints_json = ?, hints_stale = 0, last_seen_at = ?, updated_at = ?
				 WHERE id = ?`,
				src.HintsJSON, now, now, src.ID)
		default:
			_, err = tx.ExecContext(ctx, `UPDATE sources SET last_seen_at = ? WHERE id = ?`, now, src.ID)
		}
		return err
	})
	return action, err
}

// GetSource returns a source by id, or ErrNotFound.
func (s *Store) GetSource(ctx context.Context, id string) (*Source, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sourceCols+sourceFrom+` WHERE s.id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, failure.ErrNotFound)
	}
	return src, err
}

// ListSources returns sources ordered by council name, then endpoint.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]*Source, error) {
	q := `SELECT ` + sourceCols + sourceFrom
	if activeOnly {
		q += ` WHERE s.active = 1 AND c.active = 1`
	}
	q += ` ORDER BY c.name, s.endpoint`
	return s.querySources(ctx, q)
}

// CouncilSources returns a council's sources ordered by endpoint.
func (s *Store) CouncilSources(ctx context.Context, councilID string, activeOnly bool) ([]*Source, error) {
	q := `SELECT ` + sourceCols + sourceFrom + ` WHERE s.council_id = ?`
	if activeOnly {
		q += ` AND s.active = 1`
	}
	q += ` ORDER BY s.endpoint`
	return s.querySources(ctx, q, councilID)
}

func (s *Store) querySources(ctx context.Context, q string, args ...any) ([]*Source, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordFetchFailure counts a failed fetch. At maxFail consecutive failures
// the source is deactivated, and the council too once it has no active
// source left. Reports whether the source was deactivated.
func (s *Store) RecordFetchFailure(ctx context.Context, sourceID, errMsg, errClass string, maxFail int) (bool, error) {
	var deactivated bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var councilID string
		var failCount int
		err := tx.QueryRowContext(ctx,
			`UPDATE sources SET last_failure_at = ?, last_error = ?, error_class = ?,
			 fail_count = fail_count + 1, updated_at = ?
			 WHERE id = ? RETURNING council_id, fail_count`,
			now, errMsg, errClass, now, sourceID).Scan(&councilID, &failCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("source %s: %w", sourceID, failure.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if maxFail <= 0 || failCount < maxFail {
			return nil
		}
		deactivated = true
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET active = 0 WHERE id = ?`, sourceID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE councils SET active = 0, updated_at = ?
			 WHERE id = ? AND NOT EXISTS (SELECT 1 FROM sources WHERE council_id = ? AND active = 1)`,
			now, councilID, councilID)
		return err
	})
	return deactivated, err
}

// SourceOutcome is a source's state after a committed batch.
type SourceOutcome struct {
	SourceID string
	Hash     string // "" keeps last_hash
	// HintsJSON, when non-empty, replaces the stored hints and clears
	// staleness: the normalizer re-derived a working mapping.
	HintsJSON string
}

func recordSuccessTx(ctx context.Context, tx *sql.Tx, o SourceOutcome, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sources SET last_success_at = ?, last_error = '', error_class = '', fail_count = 0,
		 last_hash = CASE WHEN ? != '' THEN ? ELSE last_hash END,
		 hints_json = CASE WHEN ? != '' THEN ? ELSE hints_json END,
		 hints_stale = CASE WHEN ? != '' THEN 0 ELSE hints_stale END,
		 updated_at = ? WHERE id = ?`,
		now, o.Hash, o.Hash, o.HintsJSON, o.HintsJSON, o.HintsJSON, now, o.SourceID)
	return err
}

func reactivateCouncilTx(ctx context.Context, tx *sql.Tx, councilID string, now int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE councils SET active = 1, updated_at = ? WHERE id = ? AND active = 0`, now, councilID)
	return err
}

func sourceByEndpointTx(ctx context.Context, q Querier, councilID, endpoint string) (*Source, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sourceCols+sourceFrom+` WHERE s.council_id = ? AND s.endpoint = ?`, councilID, endpoint)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return src, err
}

func scanSource(sc scanner) (*Source, error) {
	var src Source
	var stale, active int
	var success, failed, seen sql.NullInt64
	err := sc.Scan(
		&src.ID, &src.CouncilID, &src.CouncilName, &src.Endpoint, &src.Format, &src.HintsJSON, &stale,
		&src.Origin, &src.Confidence, &active, &success, &failed, &seen,
		&src.LastError, &src.ErrorClass, &src.FailCount, &src.LastHash, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.HintsStale = stale != 0
	src.Active = active != 0
	src.LastSuccessAt = nullInt(success)
	src.LastFailureAt = nullInt(failed)
	src.LastSeenAt = nullInt(seen)
	return &src, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
