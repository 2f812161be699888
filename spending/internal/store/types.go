package store

import "github.com/shopspring/decimal"

// Council is a local authority publishing payment disclosures.
type Council struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Region          string `json:"region"`
	Active          bool   `json:"active"`
	LastRefreshedAt *int64 `json:"last_refreshed_at,omitempty"`
	SourceCount     int    `json:"source_count"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Source origins.
const (
	OriginManual     = "manual"
	OriginDiscovered = "discovered"
	OriginCatalog    = "catalog"
)

// Source is one disclosure endpoint owned by a council.
type Source struct {
	ID            string  `json:"id"`
	CouncilID     string  `json:"council_id"`
	CouncilName   string  `json:"council_name,omitempty"`
	Endpoint      string  `json:"endpoint"`
	Format        string  `json:"format"`
	HintsJSON     string  `json:"hints_json"`
	HintsStale    bool    `json:"hints_stale"`
	Origin        string  `json:"origin"`
	Confidence    float64 `json:"confidence"`
	Active        bool    `json:"active"`
	LastSuccessAt *int64  `json:"last_success_at,omitempty"`
	LastFailureAt *int64  `json:"last_failure_at,omitempty"`
	LastSeenAt    *int64  `json:"last_seen_at,omitempty"`
	LastError     string  `json:"last_error"`
	ErrorClass    string  `json:"error_class"`
	FailCount     int     `json:"fail_count"`
	LastHash      string  `json:"last_hash"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Supplier is a canonical payee shared across councils.
type Supplier struct {
	ID              string `json:"id"`
	CanonicalName   string `json:"canonical_name"`
	NormalizedKey   string `json:"normalized_key"`
	TotalSpendPence int64  `json:"total_spend_pence"`
	TotalSpend      string `json:"total_spend"`
	PaymentCount    int    `json:"payment_count"`
	VariantCount    int    `json:"variant_count"`
}

// Payment is one normalized disclosure line.
type Payment struct {
	ID           string `json:"id"`
	CouncilID    string `json:"council_id"`
	SupplierID   string `json:"supplier_id"`
	SupplierName string `json:"supplier_name"`
	SourceID     string `json:"source_id"`
	AmountPence  int64  `json:"amount_pence"`
	Amount       string `json:"amount"`
	IsCredit     bool   `json:"is_credit"`
	Date         string `json:"date"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	ProjectRef   string `json:"project_ref,omitempty"`
	InvoiceRef   string `json:"invoice_ref,omitempty"`
	RecordHash   string `json:"record_hash"`
	CreatedAt    int64  `json:"created_at"`
}

// Anomaly statuses and resolutions.
const (
	StatusOpen      = "open"
	StatusReviewed  = "reviewed"
	StatusDismissed = "dismissed"

	ResolutionAuto   = "auto"
	ResolutionManual = "manual"

	ScopeLocal = "local"
	ScopeCross = "cross"
)

// Anomaly is a scored finding over one or more payments.
type Anomaly struct {
	ID                string   `json:"id"`
	CouncilID         string   `json:"council_id"`
	Fingerprint       string   `json:"fingerprint"`
	Scope             string   `json:"scope"`
	Detectors         []string `json:"detectors"`
	Severity          float64  `json:"severity"`
	Rationale         string   `json:"rationale"`
	Status            string   `json:"status"`
	Resolution        string   `json:"resolution"`
	SupplierID        string   `json:"supplier_id,omitempty"`
	LatestPaymentDate string   `json:"latest_payment_date"`
	PaymentIDs        []string `json:"payment_ids"`
	CreatedAt         int64    `json:"created_at"`
	UpdatedAt         int64    `json:"updated_at"`
}

// RejectedRow is a raw row the normalizer could not coerce.
type RejectedRow struct {
	ID        string `json:"id"`
	CouncilID string `json:"council_id"`
	SourceID  string `json:"source_id"`
	RowNumber int    `json:"row_number"`
	Reason    string `json:"reason"`
	RawJSON   string `json:"raw_json"`
	Held      bool   `json:"held"`
	CreatedAt int64  `json:"created_at"`
}

// RefreshRun is a persisted refresh report.
type RefreshRun struct {
	ID         string `json:"id"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	ReportJSON string `json:"report_json"`
}

// FormatPence renders integer pence as a fixed two-decimal GBP string.
func FormatPence(p int64) string {
	return decimal.New(p, -2).StringFixed(2)
}
