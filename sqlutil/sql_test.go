package sqlutil

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrix-org/matrix-recorder/internal"
)

func TestWithTransaction(t *testing.T) {
	db := sqlx.MustOpen("sqlite3", ":memory:")
	db.SetMaxOpenConns(1)
	defer db.Close()
	db.MustExec(`CREATE TABLE t (v TEXT)`)
	ctx := context.Background()

	err := WithTransaction(ctx, "test", db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec(`INSERT INTO t (v) VALUES ('committed')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction: %s", err)
	}

	wantErr := errors.New("boom")
	err = WithTransaction(ctx, "test", db, func(txn *sqlx.Tx) error {
		txn.MustExec(`INSERT INTO t (v) VALUES ('rolled back')`)
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v want %v", err, wantErr)
	}

	err = WithTransaction(ctx, "test", db, func(txn *sqlx.Tx) error {
		txn.MustExec(`INSERT INTO t (v) VALUES ('panicked')`)
		panic("oh no")
	})
	if err == nil {
		t.Fatalf("WithTransaction: panic was not turned into an error")
	}

	db.Close()
	err = WithTransaction(ctx, "closed", db, func(txn *sqlx.Tx) error { return nil })
	if !errors.Is(err, internal.ErrStorageWrite) {
		t.Fatalf("got %v want ErrStorageWrite", err)
	}
}

func TestWithTransactionCommits(t *testing.T) {
	db := sqlx.MustOpen("sqlite3", ":memory:")
	db.SetMaxOpenConns(1)
	defer db.Close()
	db.MustExec(`CREATE TABLE t (v TEXT)`)
	ctx := context.Background()
	WithTransaction(ctx, "test", db, func(txn *sqlx.Tx) error {
		_, err := txn.Exec(`INSERT INTO t (v) VALUES ('committed')`)
		return err
	})
	WithTransaction(ctx, "test", db, func(txn *sqlx.Tx) error {
		txn.MustExec(`INSERT INTO t (v) VALUES ('rolled back')`)
		return errors.New("boom")
	})
	var values []string
	err := db.Select(&values, `SELECT v FROM t`)
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if len(values) != 1 || values[0] != "committed" {
		t.Fatalf("got rows %v want only 'committed'", values)
	}
}
