package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
)

// NewPayment is a normalized row ready for insertion. SupplierKey is the
// normalized supplier name; the store resolves it to a supplier id.
type NewPayment struct {
	SourceID     string
	SupplierName string
	SupplierKey  string
	AmountPence  int64
	IsCredit     bool
	Date         string
	Description  string
	Category     string
	ProjectRef   string
	InvoiceRef   string
	RecordHash   string
}

// RescoreFunc runs the local anomaly pass inside the batch transaction.
// q is the transaction, so it sees the rows just written. failed lists
// detectors that errored or timed out.
type RescoreFunc func(ctx context.Context, q Querier, touchedSuppliers []string) (cands []AnomalyCandidate, failed []string, err error)

// Batch is one council's normalized refresh output.
type Batch struct {
	CouncilID   string
	Payments    []NewPayment
	Rejected    []RejectedRow
	Sources     []SourceOutcome
	RefreshedAt int64
	Match       SupplierMatcher
	Rescore     RescoreFunc
}

// BatchResult summarizes a committed batch.
type BatchResult struct {
	Inserted         int
	Duplicates       int
	SuppliersCreated int
	SuppliersMerged  int
	Touched          []string
	FailedDetectors  []string
	Diff             DiffResult
}

// WriteCouncilBatch commits payments, suppliers, rejected rows, the local
// anomaly diff and source/council timestamps in one transaction. Nothing is
// written if any step fails.
func (s *Store) WriteCouncilBatch(ctx context.Context, b *Batch) (*BatchResult, error) {
	res := &BatchResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		*res = BatchResult{}
		if err := councilExistsTx(ctx, tx, b.CouncilID); err != nil {
			return err
		}
		if err := sourcesOwnedTx(ctx, tx, b); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		resolver := &supplierResolver{tx: tx, match: b.Match, newID: s.newID, cache: make(map[string]string)}
		touched := make(map[string]bool)

		for i := range b.Payments {
			p := &b.Payments[i]
			if p.SupplierKey == "" {
				return fmt.Errorf("%w: payment %s has no supplier key", failure.ErrDataIntegrity, p.RecordHash)
			}
			if p.AmountPence < 0 && !p.IsCredit {
				return fmt.Errorf("%w: negative amount on non-credit payment %s", failure.ErrDataIntegrity, p.RecordHash)
			}
			dup, err := hashExistsTx(ctx, tx, b.CouncilID, p.RecordHash)
			if err != nil {
				return err
			}
			if dup {
				res.Duplicates++
				continue
			}
			supplierID, err := resolver.resolve(ctx, p.SupplierKey, p.SupplierName)
			if err != nil {
				return fmt.Errorf("resolve supplier %q: %w", p.SupplierName, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO payments (id, council_id, supplier_id, source_id, amount_pence, is_credit,
				 payment_date, description, category, project_ref, invoice_ref, record_hash, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.newID(idgen.PrefixPayment), b.CouncilID, supplierID, p.SourceID, p.AmountPence,
				boolInt(p.IsCredit), p.Date, p.Description, p.Category, p.ProjectRef, p.InvoiceRef,
				p.RecordHash, now)
			if err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
			res.Inserted++
			touched[supplierID] = true
		}
		res.SuppliersCreated, res.SuppliersMerged = resolver.created, resolver.merged

		for _, r := range b.Rejected {
			if err := insertRejectedTx(ctx, tx, s.newID, b.CouncilID, r, false, now); err != nil {
				return err
			}
		}

		for id := range touched {
			res.Touched = append(res.Touched, id)
		}
		slices.Sort(res.Touched)
		if err := recomputeSupplierTotalsTx(ctx, tx, res.Touched); err != nil {
			return err
		}

		if b.Rescore != nil && len(res.Touched) > 0 {
			cands, failed, err := b.Rescore(ctx, tx, res.Touched)
			if err != nil {
				return fmt.Errorf("rescore: %w", err)
			}
			res.FailedDetectors = failed
			res.Diff, err = applyAnomalyDiffTx(ctx, tx, s.newID, b.CouncilID, cands, DiffScope{
				Scope:           ScopeLocal,
				SupplierIDs:     res.Touched,
				FailedDetectors: failed,
			})
			if err != nil {
				return fmt.Errorf("anomaly diff: %w", err)
			}
		}

		for _, o := range b.Sources {
			if err := recordSuccessTx(ctx, tx, o, now); err != nil {
				return err
			}
		}
		refreshed := b.RefreshedAt
		if refreshed == 0 {
			refreshed = now
		}
		return advanceCouncilTx(ctx, tx, b.CouncilID, refreshed)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordDrift holds a batch that exceeded the rejected-row ceiling: the
// drifting sources get stale hints and an error, and the rejected rows are
// kept for review. No payment is written and the council is not advanced.
func (s *Store) RecordDrift(ctx context.Context, councilID string, sourceIDs []string, rejected []RejectedRow, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, id := range sourceIDs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sources SET hints_stale = 1, last_error = ?, error_class = 'schema_drift', updated_at = ?
				 WHERE id = ? AND council_id = ?`, reason, now, id, councilID); err != nil {
				return err
			}
		}
		for _, r := range rejected {
			if err := insertRejectedTx(ctx, tx, s.newID, councilID, r, true, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyCrossAnomalies diffs the cross-council candidates of one council
// against its stored cross-scope anomalies.
func (s *Store) ApplyCrossAnomalies(ctx context.Context, councilID string, cands []AnomalyCandidate, failed []string) (DiffResult, error) {
	var res DiffResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = applyAnomalyDiffTx(ctx, tx, s.newID, councilID, cands, DiffScope{
			Scope:           ScopeCross,
			FailedDetectors: failed,
		})
		return err
	})
	return res, err
}

func sourcesOwnedTx(ctx context.Context, tx *sql.Tx, b *Batch) error {
	ids := make(map[string]bool)
	for _, p := range b.Payments {
		ids[p.SourceID] = true
	}
	for _, o := range b.Sources {
		ids[o.SourceID] = true
	}
	for id := range ids {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT council_id FROM sources WHERE id = ?`, id).Scan(&owner)
		if err != nil || owner != b.CouncilID {
			return fmt.Errorf("%w: source %s is not owned by council %s", failure.ErrDataIntegrity, id, b.CouncilID)
		}
	}
	return nil
}
