package state

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
)

func connectToDB(t *testing.T) (*Storage, func()) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	db.SetMaxOpenConns(1)
	store := NewStorageWithDB(db)
	if err = store.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %s", err)
	}
	return store, func() {
		db.Close()
	}
}
