package store

import (
	"context"
	"database/sql"
	"strings"
)

const paymentCols = `p.id, p.council_id, p.supplier_id, sp.canonical_name, p.source_id, p.amount_pence,
	p.is_credit, p.payment_date, p.description, p.category, p.project_ref, p.invoice_ref,
	p.record_hash, p.created_at`

const paymentFrom = ` FROM payments p JOIN suppliers sp ON sp.id = p.supplier_id`

// PaymentFilter narrows QueryPayments. Dates are inclusive YYYY-MM-DD.
type PaymentFilter struct {
	CouncilID  string
	SupplierID string
	ProjectRef string
	From       string
	To         string
	Limit      int
	Offset     int
}

// PaymentPage is one page of a payments query.
type PaymentPage struct {
	Payments []*Payment `json:"payments"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// QueryPayments returns payments matching f, newest first.
func (s *Store) QueryPayments(ctx context.Context, f PaymentFilter) (*PaymentPage, error) {
	var conds []string
	var args []any
	if f.CouncilID != "" {
		conds = append(conds, "p.council_id = ?")
		args = append(args, f.CouncilID)
	}
	if f.SupplierID != "" {
		conds = append(conds, "p.supplier_id = ?")
		args = append(args, f.SupplierID)
	}
	if f.ProjectRef != "" {
		conds = append(conds, "p.project_ref = ?")
		args = append(args, f.ProjectRef)
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

	page := &PaymentPage{Payments: []*Payment{}}
	page.Limit, page.Offset = clampPage(f.Limit, f.Offset)
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments p`+where, args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+paymentCols+paymentFrom+where+`
		 ORDER BY p.payment_date DESC, p.id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		page.Payments = append(page.Payments, p)
	}
	return page, rows.Err()
}

// ProjectExists reports whether any payment carries projectRef.
func (s *Store) ProjectExists(ctx context.Context, projectRef string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT 1 FROM payments WHERE project_ref = ? LIMIT 1)`, projectRef).Scan(&n)
	return n > 0, err
}

// SupplierPayments loads every payment of the given suppliers in a council,
// ordered by supplier, date, id. q may be the write transaction so freshly
// inserted rows are visible.
func SupplierPayments(ctx context.Context, q Querier, councilID string, supplierIDs []string) ([]*Payment, error) {
	var out []*Payment
	for start := 0; start < len(supplierIDs); start += 500 {
		end := min(start+500, len(supplierIDs))
		chunk := supplierIDs[start:end]
		args := append([]any{councilID}, stringArgs(chunk)...)
		rows, err := q.QueryContext(ctx,
			`SELECT `+paymentCols+paymentFrom+`
			 WHERE p.council_id = ? AND p.supplier_id IN (`+placeholders(len(chunk))+`)
			 ORDER BY p.supplier_id, p.payment_date, p.id`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			p, err := scanPayment(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, p)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RoundCount is the round-amount tally for one supplier in one council.
type RoundCount struct {
	Payments int
	Round    int
}

// RoundStats tallies, per supplier, non-credit payments and those that are
// exact multiples of roundPence.
func RoundStats(ctx context.Context, q Querier, councilID string, roundPence int64) (map[string]RoundCount, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT supplier_id, COUNT(*),
		 SUM(CASE WHEN amount_pence > 0 AND amount_pence % ? = 0 THEN 1 ELSE 0 END)
		 FROM payments WHERE council_id = ? AND is_credit = 0
		 GROUP BY supplier_id`, roundPence, councilID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]RoundCount)
	for rows.Next() {
		var id string
		var rc RoundCount
		if err := rows.Scan(&id, &rc.Payments, &rc.Round); err != nil {
			return nil, err
		}
		out[id] = rc
	}
	return out, rows.Err()
}

// CountPayments returns the number of payments stored for a council.
func (s *Store) CountPayments(ctx context.Context, councilID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE council_id = ?`, councilID).Scan(&n)
	return n, err
}

func hashExistsTx(ctx context.Context, tx *sql.Tx, councilID, hash string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE council_id = ? AND record_hash = ?`, councilID, hash).Scan(&n)
	return n > 0, err
}

func scanPayment(sc scanner) (*Payment, error) {
	var p Payment
	var credit int
	err := sc.Scan(&p.ID, &p.CouncilID, &p.SupplierID, &p.SupplierName, &p.SourceID, &p.AmountPence,
		&credit, &p.Date, &p.Description, &p.Category, &p.ProjectRef, &p.InvoiceRef,
		&p.RecordHash, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.IsCredit = credit != 0
	p.Amount = FormatPence(p.AmountPence)
	return &p, nil
}
