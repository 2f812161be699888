package spending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/spendwatch/feedback"
)

// QueryPayments returns one page of payments, newest first.
func (s *Service) QueryPayments(ctx context.Context, f PaymentFilter) (*PaymentPage, error) {
	if err := validateDateRange(f.From, f.To); err != nil {
		return nil, err
	}
	return s.store.QueryPayments(ctx, f)
}

// SpendAggregate sums net spend grouped by council, supplier or month.
func (s *Service) SpendAggregate(ctx context.Context, f AggregateFilter) ([]*AggregateRow, error) {
	if err := validateDateRange(f.From, f.To); err != nil {
		return nil, err
	}
	return s.store.SpendAggregate(ctx, f)
}

// QueryAnomalies returns anomalies by severity, then latest payment date.
// An empty status means open; "all" returns every status.
func (s *Service) QueryAnomalies(ctx context.Context, f AnomalyFilter) (*AnomalyPage, error) {
	if f.MinSeverity < 0 || f.MinSeverity > 1 {
		return nil, fmt.Errorf("%w: min_severity must be within [0,1]", ErrValidation)
	}
	switch f.Status {
	case "", "all", StatusOpen, StatusReviewed, StatusDismissed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	return s.store.QueryAnomalies(ctx, f)
}

// GetAnomaly returns one anomaly with its payment ids.
func (s *Service) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	return s.store.GetAnomaly(ctx, id)
}

// SetAnomalyStatus records a manual review. Reviewed and dismissed are
// never overwritten by later refreshes.
func (s *Service) SetAnomalyStatus(ctx context.Context, id, status string) error {
	if err := s.store.SetAnomalyStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info("spending: anomaly reviewed", "anomaly_id", id, "status", status)
	return nil
}

// ListSuppliers returns suppliers by total spend descending.
func (s *Service) ListSuppliers(ctx context.Context, f SupplierFilter) (*SupplierPage, error) {
	list, total, err := s.store.ListSuppliers(ctx, f)
	if err != nil {
		return nil, err
	}
	return &SupplierPage{Suppliers: list, Total: total}, nil
}

// RefreshRuns returns the most recent refresh reports, newest first.
func (s *Service) RefreshRuns(ctx context.Context, limit int) ([]*RefreshReport, error) {
	runs, err := s.store.ListRefreshRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*RefreshReport, 0, len(runs))
	for _, r := range runs {
		var rep RefreshReport
		if err := json.Unmarshal([]byte(r.ReportJSON), &rep); err != nil {
			return nil, fmt.Errorf("%w: run %s: %v", ErrDataIntegrity, r.ID, err)
		}
		out = append(out, &rep)
	}
	return out, nil
}

// RejectedRows returns rows the normalizer could not coerce, newest first.
func (s *Service) RejectedRows(ctx context.Context, councilID string, limit int) ([]*RejectedRow, error) {
	return s.store.ListRejectedRows(ctx, councilID, limit)
}

// SubmitFeedback stores sanitized feedback against a project reference.
// The reference must match at least one payment's project ref.
func (s *Service) SubmitFeedback(ctx context.Context, projectRef, text string) (string, error) {
	id, err := s.feedback.Submit(ctx, strings.TrimSpace(projectRef), text)
	if errors.Is(err, feedback.ErrUnknownProject) || errors.Is(err, feedback.ErrInvalidText) {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return id, err
}

// ListFeedback returns feedback for a project reference, newest first.
func (s *Service) ListFeedback(ctx context.Context, projectRef string, limit int) ([]FeedbackEntry, error) {
	return s.feedback.List(ctx, projectRef, limit)
}
