package state

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/matrix-org/matrix-recorder/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is the durable record of everything the recorder has seen. Both tables are
// append-only.
type Storage struct {
	EventsTable *EventsTable
	MediaTable  *MediaTable
	DB          *sqlx.DB
}

// DriverForDSN picks the database/sql driver for dsn. Postgres URLs and key=value
// connection strings use lib/pq, anything else is treated as an SQLite file path.
func DriverForDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewStorage opens the database at dsn and creates the tables if they are missing.
func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	driver := DriverForDSN(dsn)
	if driver == "sqlite3" && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// attachments are written from several goroutines; sqlite only allows one writer
		db.SetMaxOpenConns(1)
	}
	s := NewStorageWithDB(db)
	if err = s.Prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Str("driver", driver).Msg("opened archive database")
	return s, nil
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		EventsTable: NewEventsTable(db),
		MediaTable:  NewMediaTable(db),
		DB:          db,
	}
}

// Prepare creates any tables which do not exist yet. There are no migrations: existing
// tables are left exactly as they are.
func (s *Storage) Prepare(ctx context.Context) error {
	err := sqlutil.WithTransaction(ctx, "create tables", s.DB, func(txn *sqlx.Tx) error {
		for _, schema := range []string{eventsSchema, mediaSchema} {
			if _, err := txn.ExecContext(ctx, schema); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
