package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matrix-org/matrix-recorder/fetch"
	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Fetcher schedules downloads. Implemented by *fetch.Queue.
type Fetcher interface {
	Enqueue(ctx context.Context, url string) <-chan fetch.Result
}

// Resolver turns a content URI into a URL which can be downloaded.
type Resolver interface {
	MXCURLToHTTP(mxcURL string) string
}

type ResolverFunc func(mxcURL string) string

func (f ResolverFunc) MXCURLToHTTP(mxcURL string) string { return f(mxcURL) }

// ReferenceInserter records stored media. Implemented by *state.MediaTable.
type ReferenceInserter interface {
	Insert(ctx context.Context, ref state.MediaRef) error
}

// FileRef is one piece of media referenced by an event. Encrypted is nil for media which
// was uploaded in the clear.
type FileRef struct {
	URL       string
	MimeType  string
	Encrypted *EncryptedFile
}

type StoreResult struct {
	// Path of the file relative to the media directory.
	Path string
	Err  error
}

type StoreOptions struct {
	// How long to remember that a URI was written to disk. Zero disables the cache.
	RecentTTL        time.Duration
	EnablePrometheus bool
}

// Store downloads, verifies and decrypts attachments, writes them below the media
// directory and records where they went.
type Store struct {
	root     string
	fetcher  Fetcher
	resolver Resolver
	refs     ReferenceInserter
	// mxc URI => relative path, for files written by this process
	recent *ttlcache.Cache[string, string]

	outcomes *prometheus.CounterVec
}

func NewStore(root string, fetcher Fetcher, resolver Resolver, refs ReferenceInserter, opts StoreOptions) *Store {
	s := &Store{
		root:     root,
		fetcher:  fetcher,
		resolver: resolver,
		refs:     refs,
	}
	if opts.RecentTTL > 0 {
		s.recent = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](opts.RecentTTL),
		)
	}
	if opts.EnablePrometheus {
		s.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: "media",
			Name:      "attachments",
			Help:      "Number of attachments processed, by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(s.outcomes)
	}
	return s
}

// Start expiring cached entries. Blocks until Stop is called, run it in a goroutine.
func (s *Store) Start() {
	if s.recent != nil {
		s.recent.Start()
	}
}

func (s *Store) Stop() {
	if s.recent != nil {
		s.recent.Stop()
	}
	if s.outcomes != nil {
		prometheus.Unregister(s.outcomes)
	}
}

// Store writes the attachment and blocks until it is recorded.
func (s *Store) Store(ctx context.Context, roomID, eventID string, ref FileRef) (string, error) {
	res := <-s.StoreAsync(ctx, roomID, eventID, ref)
	return res.Path, res.Err
}

// StoreAsync schedules the download before returning, so attachments are fetched in the
// order they are handed to the store. Everything after the download happens in the
// background and the outcome is sent on the returned channel.
//
// Errors wrapping internal.ErrIntegrity, ErrDecryption, ErrFetch or ErrBadURI only concern
// this attachment. Errors wrapping internal.ErrStorageWrite are fatal.
//
// Once scheduled, an attachment is stored even if ctx is cancelled: the event referencing it
// is already recorded and will not be delivered again.
func (s *Store) StoreAsync(ctx context.Context, roomID, eventID string, ref FileRef) <-chan StoreResult {
	ctx = internal.WithoutCancel(ctx)
	out := make(chan StoreResult, 1)
	relPath, err := RelativePath(ref.URL, ref.MimeType)
	if err != nil {
		s.count("bad_uri")
		out <- StoreResult{Err: err}
		return out
	}
	var download <-chan fetch.Result
	if s.isRecent(ref.URL, relPath) {
		logger.Debug().Str("url", ref.URL).Str("path", relPath).Msg("already stored, not downloading again")
	} else {
		if ref.Encrypted != nil {
			logger.Info().Str("url", ref.URL).Msg("decrypting file")
		} else {
			logger.Info().Str("url", ref.URL).Msg("storing unencrypted file")
		}
		download = s.fetcher.Enqueue(ctx, s.resolver.MXCURLToHTTP(ref.URL))
	}
	go func() {
		out <- s.finish(ctx, roomID, eventID, ref, relPath, download)
	}()
	return out
}

func (s *Store) isRecent(mxcURL, relPath string) bool {
	if s.recent == nil {
		return false
	}
	item := s.recent.Get(mxcURL)
	return item != nil && item.Value() == relPath
}

func (s *Store) finish(ctx context.Context, roomID, eventID string, ref FileRef, relPath string, download <-chan fetch.Result) StoreResult {
	ctx, span := internal.StartSpan(ctx, "media.Store",
		attribute.String("url", ref.URL),
		attribute.Bool("encrypted", ref.Encrypted != nil),
	)
	defer span.End()

	outcome := "cached"
	if download != nil {
		res := <-download
		if res.Err != nil {
			return s.fail(span, res.Err)
		}
		internal.Logf(ctx, "media", "downloaded %d bytes", len(res.Body))
		data := res.Body
		if ref.Encrypted != nil {
			var err error
			data, err = Decrypt(data, ref.Encrypted)
			if err != nil {
				return s.fail(span, err)
			}
		}
		if err := s.write(relPath, data); err != nil {
			return s.fail(span, err)
		}
		if s.recent != nil {
			s.recent.Set(ref.URL, relPath, ttlcache.DefaultTTL)
		}
		outcome = "stored"
	}

	err := s.refs.Insert(ctx, state.MediaRef{
		RoomID:   roomID,
		EventID:  eventID,
		MXCURL:   ref.URL,
		MimeType: ref.MimeType,
		Filename: relPath,
	})
	if err != nil {
		return s.fail(span, err)
	}
	s.count(outcome)
	return StoreResult{Path: relPath}
}

func (s *Store) write(relPath string, data []byte) error {
	fullPath := filepath.Join(s.root, filepath.FromSlash(relPath))
	if _, err := internal.EnsureDir(filepath.Dir(fullPath)); err != nil {
		return err
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return internal.StorageError("write media file", err)
	}
	return nil
}

func (s *Store) fail(span *internal.Span, err error) StoreResult {
	span.SetError(err)
	switch {
	case errors.Is(err, internal.ErrStorageWrite):
		s.count("storage_error")
	case errors.Is(err, internal.ErrIntegrity):
		s.count("integrity_error")
	case errors.Is(err, internal.ErrFetch):
		s.count("fetch_error")
	default:
		s.count("decryption_error")
	}
	return StoreResult{Err: err}
}

func (s *Store) count(outcome string) {
	if s.outcomes != nil {
		s.outcomes.WithLabelValues(outcome).Inc()
	}
}
