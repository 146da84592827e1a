package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Attachment-scoped errors. These only ever abort the storage of a single
// attachment and must never stop event capture.
var (
	// ErrIntegrity is returned when the SHA-256 of a downloaded ciphertext does not
	// match the hash advertised in the event.
	ErrIntegrity = errors.New("attachment integrity check failed")
	// ErrDecryption is returned when an attachment descriptor is malformed.
	ErrDecryption = errors.New("attachment cannot be decrypted")
	// ErrFetch is returned when a download failed twice.
	ErrFetch = errors.New("attachment fetch failed")
	// ErrBadURI is returned for content URIs which cannot be mapped to a safe file path.
	ErrBadURI = errors.New("attachment URI not usable")
)

// Run-scoped errors. These terminate the process: the archive is only useful if it
// is correct, and the sync cursor makes restart-and-resume safe.
var (
	// ErrStorageWrite is returned when the database or the filesystem refuses a write.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrProtocol is returned when the sync client reports an error.
	ErrProtocol = errors.New("sync protocol error")
)

// IsFatal returns true if err must terminate the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorageWrite) || errors.Is(err, ErrProtocol)
}

// StorageError wraps err as an ErrStorageWrite, keeping both in the chain.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageWrite, err)
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and RECORDER_DEBUG=1 then the program panics.
// If expr is false and RECORDER_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("exactly one capture subscription", n == 1)
//
// Which then produces:
//
//	assertion failed: exactly one capture subscription
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("RECORDER_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
