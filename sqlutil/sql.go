package sqlutil

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/matrix-org/matrix-recorder/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// WithTransaction runs fn in a transaction named op, committing if fn returns nil and rolling
// back if it errors or panics. Failing to begin or commit is an internal.ErrStorageWrite;
// errors from fn are returned as they are.
func WithTransaction(ctx context.Context, op string, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	ctx, span := internal.StartSpan(ctx, "txn."+op)
	defer func() {
		span.SetError(err)
		span.End()
	}()
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return internal.StorageError(op+": begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if panicErr := recover(); panicErr != nil && err == nil {
			err = fmt.Errorf("%s: panic: %v", op, panicErr)
		}
		if rbErr := txn.Rollback(); rbErr != nil {
			logger.Warn().Err(rbErr).Str("op", op).Msg("failed to roll back")
		}
	}()

	if err = fn(txn); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		committed = true // nothing left to roll back
		return internal.StorageError(op+": commit", err)
	}
	committed = true
	return nil
}
