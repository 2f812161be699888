package spending

import (
	"github.com/hazyhaar/spendwatch/feedback"
	"github.com/hazyhaar/spendwatch/spending/internal/discover"
	"github.com/hazyhaar/spendwatch/spending/internal/metrics"
	"github.com/hazyhaar/spendwatch/spending/internal/store"
)

// Re-export store types so callers don't import internal packages.
type (
	Council         = store.Council
	Source          = store.Source
	Supplier        = store.Supplier
	Payment         = store.Payment
	Anomaly         = store.Anomaly
	RejectedRow     = store.RejectedRow
	PaymentFilter   = store.PaymentFilter
	PaymentPage     = store.PaymentPage
	AggregateFilter = store.AggregateFilter
	AggregateRow    = store.AggregateRow
	AnomalyFilter   = store.AnomalyFilter
	AnomalyPage     = store.AnomalyPage
	SupplierFilter  = store.SupplierFilter
)

// Discovery types.
type (
	Catalog       = discover.Catalog
	CatalogEntry  = discover.Entry
	StaticCatalog = discover.StaticCatalog
	Candidate     = discover.Candidate
)

// FeedbackEntry is one stored feedback item.
type FeedbackEntry = feedback.Entry

// Source origins.
const (
	OriginManual     = store.OriginManual
	OriginDiscovered = store.OriginDiscovered
	OriginCatalog    = store.OriginCatalog
)

// Anomaly statuses.
const (
	StatusOpen      = store.StatusOpen
	StatusReviewed  = store.StatusReviewed
	StatusDismissed = store.StatusDismissed
)

// Aggregate groupings.
const (
	GroupCouncil  = store.GroupCouncil
	GroupSupplier = store.GroupSupplier
	GroupMonth    = store.GroupMonth
)

// SupplierPage is one page of suppliers.
type SupplierPage struct {
	Suppliers []*Supplier `json:"suppliers"`
	Total     int         `json:"total"`
}

// ApplySchema creates or migrates the spendwatch tables. Pass it to
// dbopen.WithMigrate.
var ApplySchema = store.ApplySchema

// Metrics holds the refresh-run Prometheus collectors. Serve Handler() on
// /metrics and pass it to New with WithMetrics.
type Metrics = metrics.Metrics

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics { return metrics.New() }
