package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/spendwatch/spending/internal/failure"
)

// Aggregate groupings.
const (
	GroupCouncil  = "council"
	GroupSupplier = "supplier"
	GroupMonth    = "month"
)

// AggregateFilter narrows SpendAggregate.
type AggregateFilter struct {
	GroupBy   string
	CouncilID string
	From      string
	To        string
	Limit     int
}

// AggregateRow is one group of an aggregate spend query.
type AggregateRow struct {
	Key        string `json:"key"`
	Label      string `json:"label"`
	TotalPence int64  `json:"total_pence"`
	Total      string `json:"total"`
	Payments   int    `json:"payments"`
}

// SpendAggregate sums net spend (credits included) grouped by council,
// supplier or calendar month. Council and supplier groups are ordered by total
// descending; months chronologically.
func (s *Store) SpendAggregate(ctx context.Context, f AggregateFilter) ([]*AggregateRow, error) {
	var keyExpr, labelExpr, join, order string
	switch f.GroupBy {
	case GroupCouncil, "":
		keyExpr, labelExpr = "p.council_id", "c.name"
		join = " JOIN councils c ON c.id = p.council_id"
		order = "gtotal DESC, glabel"
	case GroupSupplier:
		keyExpr, labelExpr = "p.supplier_id", "sp.canonical_name"
		join = " JOIN suppliers sp ON sp.id = p.supplier_id"
		order = "gtotal DESC, glabel"
	case GroupMonth:
		keyExpr, labelExpr = "substr(p.payment_date, 1, 7)", "substr(p.payment_date, 1, 7)"
		order = "gkey"
	default:
		return nil, fmt.Errorf("%w: unknown grouping %q", failure.ErrValidation, f.GroupBy)
	}

	var conds []string
	var args []any
	if f.CouncilID != "" {
		conds = append(conds, "p.council_id = ?")
		args = append(args, f.CouncilID)
	}
	if f.From != "" {
		conds = append(conds, "p.payment_date >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		conds = append(conds, "p.payment_date <= ?")
		args = append(args, f.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit, _ := clampPage(f.Limit, 0)

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+keyExpr+` AS gkey, `+labelExpr+` AS glabel, SUM(p.amount_pence) AS gtotal, COUNT(*)
		 FROM payments p`+join+where+`
		 GROUP BY gkey ORDER BY `+order+` LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AggregateRow{}
	for rows.Next() {
		var r AggregateRow
		if err := rows.Scan(&r.Key, &r.Label, &r.TotalPence, &r.Payments); err != nil {
			return nil, err
		}
		r.Total = FormatPence(r.TotalPence)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SupplierSpend is one supplier's gross spend in a council.
type SupplierSpend struct {
	SupplierID   string
	SupplierName string
	SpendPence   int64
	// TopPaymentIDs are the supplier's largest payments in the council.
	TopPaymentIDs     []string
	LatestPaymentDate string
}

// CouncilSpend is the spend profile of one council used by cross-council
// scoring: gross non-credit total and its largest suppliers.
type CouncilSpend struct {
	CouncilID    string
	CouncilName  string
	TotalPence   int64
	TopSuppliers []SupplierSpend
}

// SpendProfiles reads the gross spend profile of every active council,
// keeping topN suppliers per council and up to paymentsPerSupplier payment
// ids for each. Councils with no spend are omitted.
func (s *Store) SpendProfiles(ctx context.Context, topN, paymentsPerSupplier int) ([]CouncilSpend, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT c.id, c.name, SUM(p.amount_pence)
		 FROM payments p JOIN councils c ON c.id = p.council_id
		 WHERE c.active = 1 AND p.is_credit = 0
		 GROUP BY c.id HAVING SUM(p.amount_pence) > 0 ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	var profiles []CouncilSpend
	for rows.Next() {
		var cs CouncilSpend
		if err := rows.Scan(&cs.CouncilID, &cs.CouncilName, &cs.TotalPence); err != nil {
			rows.Close()
			return nil, err
		}
		profiles = append(profiles, cs)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range profiles {
		cs := &profiles[i]
		srows, err := s.DB.QueryContext(ctx,
			`SELECT p.supplier_id, sp.canonical_name, SUM(p.amount_pence), MAX(p.payment_date)
			 FROM payments p JOIN suppliers sp ON sp.id = p.supplier_id
			 WHERE p.council_id = ? AND p.is_credit = 0
			 GROUP BY p.supplier_id ORDER BY 3 DESC, p.supplier_id LIMIT ?`,
			cs.CouncilID, topN)
		if err != nil {
			return nil, err
		}
		for srows.Next() {
			var ss SupplierSpend
			if err := srows.Scan(&ss.SupplierID, &ss.SupplierName, &ss.SpendPence, &ss.LatestPaymentDate); err != nil {
				srows.Close()
				return nil, err
			}
			cs.TopSuppliers = append(cs.TopSuppliers, ss)
		}
		if err := srows.Close(); err != nil {
			return nil, err
		}
		for j := range cs.TopSuppliers {
			ids, err := s.topPaymentIDs(ctx, cs.CouncilID, cs.TopSuppliers[j].SupplierID, paymentsPerSupplier)
			if err != nil {
				return nil, err
			}
			cs.TopSuppliers[j].TopPaymentIDs = ids
		}
	}
	return profiles, nil
}

func (s *Store) topPaymentIDs(ctx context.Context, councilID, supplierID string, n int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM payments WHERE council_id = ? AND supplier_id = ? AND is_credit = 0
		 ORDER BY amount_pence DESC, id LIMIT ?`, councilID, supplierID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
