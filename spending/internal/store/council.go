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

const councilCols = `c.id, c.name, c.region, c.active, c.last_refreshed_at, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM sources s WHERE s.council_id = c.id AND s.active = 1)`

// UpsertCouncil inserts a council or refreshes its region. Councils are
// keyed by name; an empty ID is assigned on insert. On return
// c.ID holds the stored id.
func (s *Store) UpsertCouncil(ctx context.Context, c *Council) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertCouncilTx(ctx, tx, c)
	})
}

func (s *Store) upsertCouncilTx(ctx context.Context, tx *sql.Tx, c *Council) error {
	now := time.Now().UnixMilli()
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT id FROM councils WHERE name = ?`, c.Name).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if c.ID == "" {
			c.ID = s.newID(idgen.PrefixCouncil)
		}
		c.Active = true
		c.CreatedAt, c.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO councils (id, name, region, active, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?)`,
			c.ID, c.Name, c.Region, now, now)
		return err
	case err != nil:
		return err
	}
	c.ID = existing
	_, err = tx.ExecContext(ctx,
		`UPDATE councils SET region = CASE WHEN ? != '' THEN ? ELSE region END,
		 updated_at = ? WHERE id = ?`,
		c.Region, c.Region, now, c.ID)
	return err
}

// GetCouncil returns a council by id, or ErrNotFound.
func (s *Store) GetCouncil(ctx context.Context, id string) (*Council, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+councilCols+` FROM councils c WHERE c.id = ?`, id)
	c, err := scanCouncil(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("council %s: %w", id, failure.ErrNotFound)
	}
	return c, err
}

// FindCouncilByName returns the council with that exact name, or nil.
func (s *Store) FindCouncilByName(ctx context.Context, name string) (*Council, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+councilCols+` FROM councils c WHERE c.name = ?`, name)
	c, err := scanCouncil(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ListCouncils returns councils ordered by name.
func (s *Store) ListCouncils(ctx context.Context, activeOnly bool) ([]*Council, error) {
	q := `SELECT ` + councilCols + ` FROM councils c`
	if activeOnly {
		q += ` WHERE c.active = 1`
	}
	q += ` ORDER BY c.name`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Council
	for rows.Next() {
		c, err := scanCouncil(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCouncil(sc scanner) (*Council, error) {
	var c Council
	var active int
	var last sql.NullInt64
	if err := sc.Scan(&c.ID, &c.Name, &c.Region, &active, &last, &c.CreatedAt, &c.UpdatedAt, &c.SourceCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan council: %w", err)
	}
	c.Active = active != 0
	if last.Valid {
		c.LastRefreshedAt = &last.Int64
	}
	return &c, nil
}

// advanceCouncilTx moves last_refreshed_at forward, never back.
func advanceCouncilTx(ctx context.Context, tx *sql.Tx, councilID string, at int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE councils SET last_refreshed_at = MAX(COALESCE(last_refreshed_at, 0), ?),
		 updated_at = ? WHERE id = ?`,
		at, time.Now().UnixMilli(), councilID)
	return err
}

// councilExistsTx fails with ErrDataIntegrity when the council is missing.
func councilExistsTx(ctx context.Context, q Querier, councilID string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM councils WHERE id = ?`, councilID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: council %s does not exist", failure.ErrDataIntegrity, councilID)
	}
	return nil
}
