package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spendwatch/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
}

func TestWithMigrate_RunsInOrder(t *testing.T) {
	var order []int
	first := func(db *sql.DB) error {
		order = append(order, 1)
		_, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
		return err
	}
	second := func(db *sql.DB) error {
		order = append(order, 2)
		_, err := db.Exec(`INSERT INTO t (id) VALUES (1)`)
		return err
	}
	db := dbopen.OpenMemory(t, dbopen.WithMigrate(first), dbopen.WithMigrate(second))

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(order) != 2 || order[0] != 1 {
		t.Fatalf("migrations: rows=%d order=%v", n, order)
	}
}

func TestWithMigrate_ErrorClosesDB(t *testing.T) {
	boom := errors.New("boom")
	_, err := dbopen.Open(":memory:", dbopen.WithMigrate(func(*sql.DB) error { return boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestOpen_MkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "spend.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestRunTx_RetriesBusy(t *testing.T) {
	// WHAT: A transaction that hits a lock conflict is retried from scratch.
	// WHY: A one-shot refresh may share the database file with the server.
	db := dbopen.OpenMemory(t, dbopen.WithMigrate(func(db *sql.DB) error {
		_, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
		return err
	}))
	defer func(b time.Duration) { dbopen.BusyBackoff = b }(dbopen.BusyBackoff)
	dbopen.BusyBackoff = time.Millisecond

	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if _, err := tx.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
			return err
		}
		if calls < 3 {
			return fmt.Errorf("insert: database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if calls != 3 || n != 1 {
		t.Fatalf("calls=%d rows=%d, want 3 and 1", calls, n)
	}
}

func TestRunTx_GivesUp(t *testing.T) {
	db := dbopen.OpenMemory(t)
	defer func(b time.Duration) { dbopen.BusyBackoff = b }(dbopen.BusyBackoff)
	dbopen.BusyBackoff = time.Millisecond

	calls := 0
	err := dbopen.RunTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		return errors.New("database is locked")
	})
	if !errors.Is(err, dbopen.ErrBusy) || calls != dbopen.Attempts {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	boom := errors.New("boom")
	if err := dbopen.RunTx(context.Background(), db, func(*sql.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("non-busy error: %v", err)
	}
}
