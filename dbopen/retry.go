package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Attempts is how many times RunTx and Exec try a statement that keeps
// failing with SQLITE_BUSY. Backoff grows linearly from BusyBackoff.
var (
	Attempts    = 4
	BusyBackoff = 50 * time.Millisecond
)

// ErrBusy wraps the last error once every attempt hit a locked database.
var ErrBusy = errors.New("dbopen: database busy")

// IsBusy reports whether err is an SQLite lock conflict: SQLITE_BUSY,
// "database is locked" or "database table is locked".
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn in a transaction and commits it, retrying the whole
// transaction while SQLite reports a lock conflict. fn may run more than
// once and must reset any state it accumulates outside the transaction.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retry(ctx, func() error { return runOnce(ctx, db, fn) })
}

// Exec runs one statement outside a transaction with the same busy retry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func retry(ctx context.Context, op func() error) error {
	var err error
	n := max(Attempts, 1)
	for i := range n {
		if err = op(); !IsBusy(err) {
			return err
		}
		if i == n-1 {
			break
		}
		if serr := sleepCtx(ctx, time.Duration(i+1)*BusyBackoff); serr != nil {
			return fmt.Errorf("dbopen: %w (after %v)", serr, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrBusy, err)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
