package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hazyhaar/spendwatch/idgen"
)

// SupplierMatcher returns the best fuzzy match for key among candidate
// variant keys. ok is false when no candidate qualifies or the best is tied.
type SupplierMatcher func(key string, candidates []string) (best string, ok bool)

// supplierResolver maps normalized supplier keys to supplier ids inside one
// write transaction.
type supplierResolver struct {
	tx    *sql.Tx
	match SupplierMatcher
	newID func(prefix string) string
	cache map[string]string

	created int
	merged  int
}

func (r *supplierResolver) resolve(ctx context.Context, key, rawName string) (string, error) {
	if id, ok := r.cache[key]; ok {
		return id, nil
	}
	now := time.Now().UnixMilli()

	var id string
	err := r.tx.QueryRowContext(ctx, `SELECT supplier_id FROM supplier_variants WHERE variant_key = ?`, key).Scan(&id)
	if err == nil {
		r.cache[key] = id
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	if r.match != nil {
		cands, err := r.blockCandidates(ctx, key)
		if err != nil {
			return "", err
		}
		if best, ok := r.match(key, cands); ok {
			if err := r.tx.QueryRowContext(ctx,
				`SELECT supplier_id FROM supplier_variants WHERE variant_key = ?`, best).Scan(&id); err != nil {
				return "", err
			}
			if _, err := r.tx.ExecContext(ctx,
				`INSERT INTO supplier_variants (variant_key, supplier_id, raw_name, created_at) VALUES (?, ?, ?, ?)`,
				key, id, rawName, now); err != nil {
				return "", err
			}
			r.merged++
			r.cache[key] = id
			return id, nil
		}
	}

	id = r.newID(idgen.PrefixSupplier)
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO suppliers (id, canonical_name, normalized_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, strings.TrimSpace(rawName), key, now, now); err != nil {
		return "", err
	}
	if _, err := r.tx.ExecContext(ctx,
		`INSERT INTO supplier_variants (variant_key, supplier_id, raw_name, created_at) VALUES (?, ?, ?, ?)`,
		key, id, rawName, now); err != nil {
		return "", err
	}
	r.created++
	r.cache[key] = id
	return id, nil
}

// blockCandidates returns variant keys sharing the first token of key.
func (r *supplierResolver) blockCandidates(ctx context.Context, key string) ([]string, error) {
	first, _, _ := strings.Cut(key, " ")
	rows, err := r.tx.QueryContext(ctx,
		`SELECT variant_key FROM supplier_variants WHERE variant_key = ? OR variant_key LIKE ?`,
		first, first+" %")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// recomputeSupplierTotalsTx refreshes derived spend for the given suppliers.
func recomputeSupplierTotalsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	now := time.Now().UnixMilli()
	for start := 0; start < len(ids); start += 500 {
		end := min(start+500, len(ids))
		chunk := ids[start:end]
		args := append([]any{now}, stringArgs(chunk)...)
		_, err := tx.ExecContext(ctx,
			`UPDATE suppliers SET
			 total_spend_pence = (SELECT COALESCE(SUM(amount_pence), 0) FROM payments WHERE supplier_id = suppliers.id),
			 payment_count = (SELECT COUNT(*) FROM payments WHERE supplier_id = suppliers.id),
			 updated_at = ?
			 WHERE id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return err
		}
	}
	return nil
}

// SupplierFilter narrows ListSuppliers.
type SupplierFilter struct {
	Name   string // substring of canonical name, case-insensitive
	Limit  int
	Offset int
}

// ListSuppliers returns suppliers by total spend descending.
func (s *Store) ListSuppliers(ctx context.Context, f SupplierFilter) ([]*Supplier, int, error) {
	where := ""
	var args []any
	if f.Name != "" {
		where = ` WHERE LOWER(s.canonical_name) LIKE ?`
		args = append(args, "%"+strings.ToLower(f.Name)+"%")
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM suppliers s`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := clampPage(f.Limit, f.Offset)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT s.id, s.canonical_name, s.normalized_key, s.total_spend_pence, s.payment_count,
		 (SELECT COUNT(*) FROM supplier_variants v WHERE v.supplier_id = s.id)
		 FROM suppliers s`+where+`
		 ORDER BY s.total_spend_pence DESC, s.canonical_name LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*Supplier{}
	for rows.Next() {
		var sp Supplier
		if err := rows.Scan(&sp.ID, &sp.CanonicalName, &sp.NormalizedKey, &sp.TotalSpendPence,
			&sp.PaymentCount, &sp.VariantCount); err != nil {
			return nil, 0, err
		}
		sp.TotalSpend = FormatPence(sp.TotalSpendPence)
		out = append(out, &sp)
	}
	return out, total, rows.Err()
}

// clampPage applies the default and maximum page size.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
