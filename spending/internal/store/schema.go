package store

import (
	"database/sql"
	"fmt"

	"github.com/hazyhaar/spendwatch/feedback"
)

// Schema is the complete spendwatch schema. Amounts are integer pence;
// timestamps are unix milliseconds; payment dates are YYYY-MM-DD.
const Schema = `
CREATE TABLE IF NOT EXISTS councils (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    region            TEXT NOT NULL DEFAULT '',
    active            INTEGER NOT NULL DEFAULT 1,
    last_refreshed_at INTEGER,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_councils_name ON councils(name);

CREATE TABLE IF NOT EXISTS sources (
    id              TEXT PRIMARY KEY,
    council_id      TEXT NOT NULL REFERENCES councils(id),
    endpoint        TEXT NOT NULL,
    format          TEXT NOT NULL,
    hints_json      TEXT NOT NULL DEFAULT '{}',
    hints_stale     INTEGER NOT NULL DEFAULT 0,
    origin          TEXT NOT NULL DEFAULT 'manual',
    confidence      REAL NOT NULL DEFAULT 1.0,
    active          INTEGER NOT NULL DEFAULT 1,
    last_success_at INTEGER,
    last_failure_at INTEGER,
    last_seen_at    INTEGER,
    last_error      TEXT NOT NULL DEFAULT '',
    error_class     TEXT NOT NULL DEFAULT '',
    fail_count      INTEGER NOT NULL DEFAULT 0,
    last_hash       TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    UNIQUE(council_id, endpoint)
);
CREATE INDEX IF NOT EXISTS idx_sources_active ON sources(active, council_id);

CREATE TABLE IF NOT EXISTS suppliers (
    id                TEXT PRIMARY KEY,
    canonical_name    TEXT NOT NULL,
    normalized_key    TEXT NOT NULL UNIQUE,
    total_spend_pence INTEGER NOT NULL DEFAULT 0,
    payment_count     INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS supplier_variants (
    variant_key TEXT PRIMARY KEY,
    supplier_id TEXT NOT NULL REFERENCES suppliers(id),
    raw_name    TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_variants_supplier ON supplier_variants(supplier_id);

CREATE TABLE IF NOT EXISTS payments (
    id           TEXT PRIMARY KEY,
    council_id   TEXT NOT NULL REFERENCES councils(id),
    supplier_id  TEXT NOT NULL REFERENCES suppliers(id),
    source_id    TEXT NOT NULL REFERENCES sources(id),
    amount_pence INTEGER NOT NULL,
    is_credit    INTEGER NOT NULL DEFAULT 0,
    payment_date TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    project_ref  TEXT NOT NULL DEFAULT '',
    invoice_ref  TEXT NOT NULL DEFAULT '',
    record_hash  TEXT NOT NULL,
    created_at   INTEGER NOT NULL,
    UNIQUE(council_id, record_hash),
    CHECK (amount_pence >= 0 OR is_credit = 1)
);
CREATE INDEX IF NOT EXISTS idx_payments_council_date ON payments(council_id, payment_date DESC);
CREATE INDEX IF NOT EXISTS idx_payments_supplier ON payments(council_id, supplier_id, payment_date);
CREATE INDEX IF NOT EXISTS idx_payments_project ON payments(project_ref) WHERE project_ref != '';

CREATE TABLE IF NOT EXISTS anomalies (
    id                  TEXT PRIMARY KEY,
    council_id          TEXT NOT NULL REFERENCES councils(id),
    fingerprint         TEXT NOT NULL,
    scope               TEXT NOT NULL DEFAULT 'local',
    detectors           TEXT NOT NULL,
    severity            REAL NOT NULL CHECK (severity >= 0 AND severity <= 1),
    rationale           TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','reviewed','dismissed')),
    resolution          TEXT NOT NULL DEFAULT '',
    supplier_id         TEXT REFERENCES suppliers(id),
    latest_payment_date TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    UNIQUE(council_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_anomalies_rank ON anomalies(status, severity DESC, latest_payment_date DESC);

CREATE TABLE IF NOT EXISTS anomaly_payments (
    anomaly_id TEXT NOT NULL REFERENCES anomalies(id) ON DELETE CASCADE,
    payment_id TEXT NOT NULL REFERENCES payments(id),
    PRIMARY KEY (anomaly_id, payment_id)
);

CREATE TABLE IF NOT EXISTS rejected_rows (
    id         TEXT PRIMARY KEY,
    council_id TEXT NOT NULL REFERENCES councils(id),
    source_id  TEXT NOT NULL REFERENCES sources(id),
    row_num    INTEGER NOT NULL,
    reason     TEXT NOT NULL,
    raw_json   TEXT NOT NULL DEFAULT '{}',
    held       INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rejected_source ON rejected_rows(source_id, created_at DESC);

CREATE TABLE IF NOT EXISTS refresh_runs (
    id          TEXT PRIMARY KEY,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    report_json TEXT NOT NULL
);
`

// Migration001InvoiceRef adds invoice_ref to databases created before it
// was carried through normalization.
const Migration001InvoiceRef = `ALTER TABLE payments ADD COLUMN invoice_ref TEXT NOT NULL DEFAULT ''`

// ApplySchema creates all tables and indexes. Idempotent.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store schema: %w", err)
	}
	if err := applyColumnMigration(db, "payments", "invoice_ref", Migration001InvoiceRef); err != nil {
		return err
	}
	return feedback.ApplySchema(db)
}

// applyColumnMigration adds a column if it doesn't exist.
func applyColumnMigration(db *sql.DB, table, column, ddl string) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("store migration %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("store migration %s.%s: %w", table, column, err)
	}
	return nil
}
