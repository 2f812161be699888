package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
)

// NoLongerDetected is the rationale written on auto-dismissal.
const NoLongerDetected = "no longer detected"

// AnomalyCandidate is a detector finding ready to be diffed into the store.
type AnomalyCandidate struct {
	Fingerprint       string
	Scope             string
	Detectors         []string
	Severity          float64
	Rationale         string
	SupplierID        string
	LatestPaymentDate string
	PaymentIDs        []string
}

// DiffScope bounds which stored anomalies a candidate set is authoritative for.
type DiffScope struct {
	Scope string
	// SupplierIDs limits the scope to these suppliers. Nil means every
	// anomaly of Scope in the council.
	SupplierIDs []string
	// FailedDetectors did not run to completion; anomalies they produced
	// are left as they are.
	FailedDetectors []string
}

// DiffResult counts the transitions applied by a diff.
type DiffResult struct {
	Opened    int `json:"opened"`
	Reopened  int `json:"reopened"`
	Refreshed int `json:"refreshed"`
	Dismissed int `json:"dismissed"`
}

type storedAnomaly struct {
	id         string
	detectors  string
	severity   float64
	rationale  string
	status     string
	resolution string
	latest     string
}

// applyAnomalyDiffTx reconciles candidates with stored anomalies:
// new → open; open → severity/rationale refreshed; auto-dismissed → reopened;
// manual decisions untouched; open in scope but not detected → dismissed.
func applyAnomalyDiffTx(ctx context.Context, tx *sql.Tx, newID func(string) string,
	councilID string, cands []AnomalyCandidate, scope DiffScope) (DiffResult, error) {

	var res DiffResult
	now := time.Now().UnixMilli()
	seen := make(map[string]bool, len(cands))

	for _, c := range cands {
		if len(c.PaymentIDs) == 0 {
			return res, fmt.Errorf("%w: anomaly %s references no payment", failure.ErrDataIntegrity, c.Fingerprint)
		}
		if c.Severity < 0 || c.Severity > 1 {
			return res, fmt.Errorf("%w: severity %v out of range", failure.ErrDataIntegrity, c.Severity)
		}
		if c.Scope == "" {
			c.Scope = scope.Scope
		}
		seen[c.Fingerprint] = true
		detectors := strings.Join(c.Detectors, ",")

		existing, err := anomalyByFingerprintTx(ctx, tx, councilID, c.Fingerprint)
		if err != nil {
			return res, err
		}

		switch {
		case existing == nil:
			id := newID(idgen.PrefixAnomaly)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO anomalies (id, council_id, fingerprint, scope, detectors, severity, rationale,
				 status, resolution, supplier_id, latest_payment_date, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, 'open', '', NULLIF(?, ''), ?, ?, ?)`,
				id, councilID, c.Fingerprint, c.Scope, detectors, c.Severity, c.Rationale,
				c.SupplierID, c.LatestPaymentDate, now, now)
			if err != nil {
				return res, err
			}
			if err := linkPaymentsTx(ctx, tx, id, c.PaymentIDs); err != nil {
				return res, err
			}
			res.Opened++

		case existing.resolution == ResolutionManual:
			// A reviewer decided; reruns never override.

		case existing.status == StatusDismissed:
			if _, err := tx.ExecContext(ctx,
				`UPDATE anomalies SET status = 'open', resolution = '', detectors = ?, severity = ?,
				 rationale = ?, latest_payment_date = ?, updated_at = ? WHERE id = ?`,
				detectors, c.Severity, c.Rationale, c.LatestPaymentDate, now, existing.id); err != nil {
				return res, err
			}
			if err := relinkPaymentsTx(ctx, tx, existing.id, c.PaymentIDs); err != nil {
				return res, err
			}
			res.Reopened++

		case existing.status == StatusOpen:
			if existing.detectors == detectors && existing.severity == c.Severity &&
				existing.rationale == c.Rationale && existing.latest == c.LatestPaymentDate {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE anomalies SET detectors = ?, severity = ?, rationale = ?,
				 latest_payment_date = ?, updated_at = ? WHERE id = ?`,
				detectors, c.Severity, c.Rationale, c.LatestPaymentDate, now, existing.id); err != nil {
				return res, err
			}
			if err := relinkPaymentsTx(ctx, tx, existing.id, c.PaymentIDs); err != nil {
				return res, err
			}
			res.Refreshed++
		}
	}

	open, err := openInScopeTx(ctx, tx, councilID, scope)
	if err != nil {
		return res, err
	}
	for fp, a := range open {
		if seen[fp] || ranFailedDetector(a.detectors, scope.FailedDetectors) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE anomalies SET status = 'dismissed', resolution = 'auto', rationale = ?, updated_at = ?
			 WHERE id = ?`, NoLongerDetected, now, a.id); err != nil {
			return res, err
		}
		res.Dismissed++
	}
	return res, nil
}

func ranFailedDetector(detectors string, failed []string) bool {
	for d := range strings.SplitSeq(detectors, ",") {
		if slices.Contains(failed, d) {
			return true
		}
	}
	return false
}

func anomalyByFingerprintTx(ctx context.Context, tx *sql.Tx, councilID, fp string) (*storedAnomaly, error) {
	var a storedAnomaly
	err := tx.QueryRowContext(ctx,
		`SELECT id, detectors, severity, rationale, status, resolution, latest_payment_date
		 FROM anomalies WHERE council_id = ? AND fingerprint = ?`, councilID, fp).
		Scan(&a.id, &a.detectors, &a.severity, &a.rationale, &a.status, &a.resolution, &a.latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func openInScopeTx(ctx context.Context, tx *sql.Tx, councilID string, scope DiffScope) (map[string]storedAnomaly, error) {
	q := `SELECT id, fingerprint, detectors FROM anomalies
		  WHERE council_id = ? AND scope = ? AND status = 'open'`
	args := []any{councilID, scope.Scope}
	if scope.SupplierIDs != nil {
		if len(scope.SupplierIDs) == 0 {
			return nil, nil
		}
		q += ` AND supplier_id IN (` + placeholders(len(scope.SupplierIDs)) + `)`
		args = append(args, stringArgs(scope.SupplierIDs)...)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]storedAnomaly)
	for rows.Next() {
		var fp string
		var a storedAnomaly
		if err := rows.Scan(&a.id, &fp, &a.detectors); err != nil {
			return nil, err
		}
		out[fp] = a
	}
	return out, rows.Err()
}

func linkPaymentsTx(ctx context.Context, tx *sql.Tx, anomalyID string, paymentIDs []string) error {
	for _, pid := range paymentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO anomaly_payments (anomaly_id, payment_id) VALUES (?, ?)`,
			anomalyID, pid); err != nil {
			return err
		}
	}
	return nil
}

func relinkPaymentsTx(ctx context.Context, tx *sql.Tx, anomalyID string, paymentIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM anomaly_payments WHERE anomaly_id = ?`, anomalyID); err != nil {
		return err
	}
	return linkPaymentsTx(ctx, tx, anomalyID, paymentIDs)
}

// AnomalyFilter narrows QueryAnomalies. Status "" means open; "all" disables
// the status filter.
type AnomalyFilter struct {
	CouncilID   string
	SupplierID  string
	Detector    string
	MinSeverity float64
	Status      string
	Limit       int
	Offset      int
}

// AnomalyPage is one page of an anomaly query.
type AnomalyPage struct {
	Anomalies []*Anomaly `json:"anomalies"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

const anomalyCols = `a.id, a.council_id, a.fingerprint, a.scope, a.detectors, a.severity, a.rationale,
	a.status, a.resolution, COALESCE(a.supplier_id, ''), a.latest_payment_date, a.created_at, a.updated_at`

// QueryAnomalies returns anomalies by severity descending, then latest
// payment date descending.
func (s *Store) QueryAnomalies(ctx context.Context, f AnomalyFilter) (*AnomalyPage, error) {
	conds := []string{"a.severity >= ?"}
	args := []any{f.MinSeverity}
	switch f.Status {
	case "":
		conds = append(conds, "a.status = 'open'")
	case "all":
	default:
		conds = append(conds, "a.status = ?")
		args = append(args, f.Status)
	}
	if f.CouncilID != "" {
		conds = append(conds, "a.council_id = ?")
		args = append(args, f.CouncilID)
	}
	if f.SupplierID != "" {
		conds = append(conds, "a.supplier_id = ?")
		args = append(args, f.SupplierID)
	}
	if f.Detector != "" {
		conds = append(conds, "(',' || a.detectors || ',') LIKE ?")
		args = append(args, "%,"+f.Detector+",%")
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	page := &AnomalyPage{Anomalies: []*Anomaly{}}
	page.Limit, page.Offset = clampPage(f.Limit, f.Offset)
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM anomalies a`+where, args...).Scan(&page.Total); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+anomalyCols+` FROM anomalies a`+where+`
		 ORDER BY a.severity DESC, a.latest_payment_date DESC, a.id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		page.Anomalies = append(page.Anomalies, a)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, a := range page.Anomalies {
		if a.PaymentIDs, err = s.anomalyPaymentIDs(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// GetAnomaly returns one anomaly with its payment ids, or ErrNotFound.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+anomalyCols+` FROM anomalies a WHERE a.id = ?`, id)
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("anomaly %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.PaymentIDs, err = s.anomalyPaymentIDs(ctx, id)
	return a, err
}

// SetAnomalyStatus records a manual review decision. Reviewed and dismissed
// are sticky across reruns; setting open hands the anomaly back to the engine.
func (s *Store) SetAnomalyStatus(ctx context.Context, id, status string) error {
	resolution := ResolutionManual
	switch status {
	case StatusReviewed, StatusDismissed:
	case StatusOpen:
		resolution = ""
	default:
		return fmt.Errorf("%w: unknown status %q", failure.ErrValidation, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx,
			`UPDATE anomalies SET status = ?, resolution = ?, updated_at = ? WHERE id = ?`,
			status, resolution, time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("anomaly %s: %w", id, failure.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) anomalyPaymentIDs(ctx context.Context, anomalyID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT payment_id FROM anomaly_payments WHERE anomaly_id = ? ORDER BY payment_id`, anomalyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanAnomaly(sc scanner) (*Anomaly, error) {
	var a Anomaly
	var detectors string
	err := sc.Scan(&a.ID, &a.CouncilID, &a.Fingerprint, &a.Scope, &detectors, &a.Severity, &a.Rationale,
		&a.Status, &a.Resolution, &a.SupplierID, &a.LatestPaymentDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if detectors != "" {
		a.Detectors = strings.Split(detectors, ",")
	}
	return &a, nil
}
