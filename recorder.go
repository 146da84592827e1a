package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/matrix-org/matrix-recorder/fetch"
	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/kvstore"
	"github.com/matrix-org/matrix-recorder/ledger"
	"github.com/matrix-org/matrix-recorder/media"
	"github.com/matrix-org/matrix-recorder/orchestrator"
	"github.com/matrix-org/matrix-recorder/pubsub"
	"github.com/matrix-org/matrix-recorder/state"
	"github.com/matrix-org/matrix-recorder/sync2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

// Files and directories within the recorder directory.
const (
	DatabaseFilename = "messages.sqlite"
	MediaDirname     = "media"
)

type Opts struct {
	// Postgres connection string. Empty means an SQLite database in the recorder directory.
	DBURL string
	// Timeline limit of the first run. Zero uses the default.
	InitialLimit int
	// Per-attempt timeout for media downloads. Zero leaves it to the transport.
	FetchTimeout time.Duration
	// How long to remember written media to avoid downloading it again.
	RecentMediaTTL time.Duration
	// Bind address for /metrics. Empty disables metrics.
	MetricsAddr string
}

// Recorder is one archiving run over a recorder directory.
type Recorder struct {
	Dir          string
	MediaDir     string
	Storage      *state.Storage
	KV           kvstore.Store
	Client       *sync2.HTTPClient
	Queue        *fetch.Queue
	Media        *media.Store
	Ledger       *ledger.Ledger
	Syncer       *sync2.Syncer
	Orchestrator *orchestrator.Orchestrator

	pubSub  *pubsub.PubSub
	hub     *pubsub.Hub
	metrics *http.Server
}

// EnsureLayout creates the recorder directory and its media directory. Returns true if the
// recorder directory did not exist before.
func EnsureLayout(dir string) (bool, error) {
	created, err := internal.EnsureDir(dir)
	if err != nil {
		return false, err
	}
	if _, err = internal.EnsureDir(filepath.Join(dir, MediaDirname)); err != nil {
		return false, err
	}
	return created, nil
}

// Setup wires every component together. kv must already hold the homeserver URL and an
// access token.
func Setup(ctx context.Context, dir string, kv kvstore.Store, opts Opts) (*Recorder, error) {
	if _, err := EnsureLayout(dir); err != nil {
		return nil, err
	}
	hsURL, err := internal.ParseHomeServerUrl(kv.Get(kvstore.KeyBaseURL))
	if err != nil {
		return nil, err
	}
	accessToken := kv.Get(kvstore.KeyAccessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("no access token stored in %s", dir)
	}
	client := sync2.NewHTTPClient(hsURL, 5*time.Minute)

	userID, deviceID, err := client.WhoAmI(ctx, accessToken)
	if err != nil {
		if errors.Is(err, sync2.HTTP401) {
			return nil, fmt.Errorf("the stored access token was rejected, remove %s to log in again: %w",
				filepath.Join(dir, kvstore.Filename), err)
		}
		return nil, fmt.Errorf("failed to check access token: %w", err)
	}
	if stored := kv.Get(kvstore.KeyUserID); stored != "" && stored != userID {
		return nil, fmt.Errorf("access token belongs to %s but %s was recorded here", userID, stored)
	}
	if kv.Get(kvstore.KeyDeviceID) == "" && deviceID != "" {
		if err = kv.Set(kvstore.KeyDeviceID, deviceID); err != nil {
			return nil, err
		}
	}

	dsn := opts.DBURL
	if dsn == "" {
		dsn = filepath.Join(dir, DatabaseFilename)
	}
	storage, err := state.NewStorage(ctx, dsn)
	if err != nil {
		return nil, err
	}

	enablePrometheus := opts.MetricsAddr != ""
	r := &Recorder{
		Dir:      dir,
		MediaDir: filepath.Join(dir, MediaDirname),
		Storage:  storage,
		KV:       kv,
		Client:   client,
	}
	r.Queue = fetch.NewQueue(fetch.HTTPFunc(client.Client, accessToken), fetch.Options{
		Timeout:          opts.FetchTimeout,
		EnablePrometheus: enablePrometheus,
	})
	r.Media = media.NewStore(r.MediaDir, r.Queue, client, storage.MediaTable, media.StoreOptions{
		RecentTTL:        opts.RecentMediaTTL,
		EnablePrometheus: enablePrometheus,
	})

	r.pubSub = pubsub.NewPubSub(1000, 0)
	var notifier pubsub.Notifier = r.pubSub
	if enablePrometheus {
		notifier = pubsub.NewPromNotifier(r.pubSub, "sync")
	}
	r.hub = pubsub.NewHub(r.pubSub, pubsub.ChanSync)
	r.Syncer = sync2.NewSyncer(client, notifier, r.hub, userID, accessToken, sync2.SyncerOptions{
		EnablePrometheus: enablePrometheus,
	})

	// the ledger reports fatal attachment errors to the orchestrator, which is built last
	var orch *orchestrator.Orchestrator
	r.Ledger = ledger.New(storage.EventsTable, r.Media, func(err error) {
		orch.Fail(err)
	}, ledger.Options{EnablePrometheus: enablePrometheus})
	orch = orchestrator.New(r.Syncer, kv, r.Ledger, orchestrator.Options{
		InitialLimit:     opts.InitialLimit,
		DeviceID:         kv.Get(kvstore.KeyDeviceID),
		EnablePrometheus: enablePrometheus,
	})
	r.Orchestrator = orch

	if enablePrometheus {
		r.metrics = metricsServer(opts.MetricsAddr)
	}
	logger.Info().Str("user_id", userID).Str("device_id", deviceID).Str("dir", dir).Str("version", Version).Msg("recorder ready")
	return r, nil
}

// Run records until ctx is cancelled or a fatal error occurs, then shuts everything down.
// Returns the fatal error, if any.
func (r *Recorder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		r.hub.Run()
		close(hubDone)
	}()
	r.Queue.Start()
	go r.Media.Start()
	if r.metrics != nil {
		go func() {
			logger.Info().Msgf("metrics listening on %s", r.metrics.Addr)
			if err := r.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	err := r.Orchestrator.Run(ctx)
	if err != nil {
		internal.ReportFatal(ctx, err)
	}

	// stop syncing, then let every attachment of an already recorded event finish
	cancel()
	r.Syncer.Close()
	r.pubSub.Close()
	<-hubDone
	r.Ledger.Wait()
	r.Orchestrator.Close()
	r.Ledger.Close()
	r.Queue.Stop()
	r.Media.Stop()
	if r.metrics != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		r.metrics.Shutdown(shutdownCtx)
		cancelShutdown()
	}
	r.Storage.Teardown()

	if err == nil {
		// a fatal attachment error may have arrived while draining
		err = r.Orchestrator.Err()
		if err != nil {
			internal.ReportFatal(context.Background(), err)
		}
	}
	return err
}

func metricsServer(addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	h := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(req).Debug().
				Str("method", req.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", req.URL.Path).
				Msg("")
		})(r),
	)
	return &http.Server{
		Addr:    addr,
		Handler: h,
	}
}

// Login exchanges credentials for an access token and stores everything needed to
// sync in kv.
func Login(ctx context.Context, kv kvstore.Store, homeserver, user, password string) error {
	hsURL, err := internal.ParseHomeServerUrl(homeserver)
	if err != nil {
		return err
	}
	client := sync2.NewHTTPClient(hsURL, time.Minute)
	res, err := client.Login(ctx, strings.TrimSpace(user), password)
	if err != nil {
		return err
	}
	values := [][2]string{
		{kvstore.KeyBaseURL, hsURL.HttpOrUnixStr},
		{kvstore.KeyUserID, res.UserID},
		{kvstore.KeyAccessToken, res.AccessToken},
		{kvstore.KeyDeviceID, res.DeviceID},
	}
	for _, kvPair := range values {
		if err = kv.Set(kvPair[0], kvPair[1]); err != nil {
			return err
		}
	}
	logger.Info().Str("user_id", res.UserID).Str("device_id", res.DeviceID).Msg("logged in")
	return nil
}
