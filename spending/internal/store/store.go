// Package store is the SQLite persistence and query layer for spendwatch.
//
// Reads go straight to the pool. Every ingestion write goes through one
// mutex-guarded transaction per council batch, so concurrent council
// pipelines never race on supplier creation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hazyhaar/spendwatch/dbopen"
	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/spending/internal/failure"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the spendwatch database.
type Store struct {
	DB *sql.DB

	writeMu sync.Mutex
	newID   func(prefix string) string
}

// Option configures a Store.
type Option func(*Store)

// WithIDs overrides ID generation. fn receives the entity prefix.
func WithIDs(fn func(prefix string) string) Option {
	return func(s *Store) { s.newID = fn }
}

// NewStore creates a Store from an already-opened database connection. The
// schema must already be applied (dbopen.WithMigrate(store.ApplySchema)).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:    db,
		newID: func(prefix string) string { return prefix + idgen.New() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// withTx runs fn in a write transaction under the single-writer lock. The
// lock covers this process; another process on the same file (a one-shot
// refresh beside the server) is handled by the busy retry, so fn may run
// more than once.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := dbopen.RunTx(ctx, s.DB, fn); err != nil {
		return fmt.Errorf("store: %w", integrity(err))
	}
	return nil
}

// integrity maps SQLite constraint failures to ErrDataIntegrity.
func integrity(err error) error {
	if err == nil || errors.Is(err, failure.ErrDataIntegrity) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %v", failure.ErrDataIntegrity, err)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?,?,?" for n args.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
