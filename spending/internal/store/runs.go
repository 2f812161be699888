package store

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/spendwatch/idgen"
)

// InsertRefreshRun persists a finished run's report.
func (s *Store) InsertRefreshRun(ctx context.Context, run *RefreshRun) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if run.ID == "" {
			run.ID = s.newID(idgen.PrefixRun)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_runs (id, started_at, finished_at, report_json) VALUES (?, ?, ?, ?)`,
			run.ID, run.StartedAt, run.FinishedAt, run.ReportJSON)
		return err
	})
}

// ListRefreshRuns returns the most recent runs first.
func (s *Store) ListRefreshRuns(ctx context.Context, limit int) ([]*RefreshRun, error) {
	limit, _ = clampPage(limit, 0)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, started_at, finished_at, report_json FROM refresh_runs
		 ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*RefreshRun{}
	for rows.Next() {
		var r RefreshRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.ReportJSON); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListRejectedRows returns rejected rows for a council, newest first.
func (s *Store) ListRejectedRows(ctx context.Context, councilID string, limit int) ([]*RejectedRow, error) {
	limit, _ = clampPage(limit, 0)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, council_id, source_id, row_num, reason, raw_json, held, created_at
		 FROM rejected_rows WHERE council_id = ? ORDER BY created_at DESC, row_num LIMIT ?`,
		councilID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*RejectedRow{}
	for rows.Next() {
		var r RejectedRow
		var held int
		if err := rows.Scan(&r.ID, &r.CouncilID, &r.SourceID, &r.RowNumber, &r.Reason, &r.RawJSON, &held, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Held = held != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func insertRejectedTx(ctx context.Context, tx *sql.Tx, newID func(string) string, councilID string, r RejectedRow, held bool, now int64) error {
	if r.RawJSON == "" {
		r.RawJSON = "{}"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rejected_rows (id, council_id, source_id, row_num, reason, raw_json, held, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(idgen.PrefixRejected), councilID, r.SourceID, r.RowNumber, r.Reason, r.RawJSON, boolInt(held), now)
	return err
}

// PurgeRejectedBefore drops rejected rows older than cutoff (unix ms).
func (s *Store) PurgeRejectedBefore(ctx context.Context, cutoff int64) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM rejected_rows WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = r.RowsAffected()
		return nil
	})
	return n, err
}

