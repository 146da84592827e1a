// Package orchestrator sequences the sync client through its priming pass and into
// steady-state streaming, persisting the sync cursor as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/kvstore"
	"github.com/matrix-org/matrix-recorder/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SteadyStateLimit is the timeline limit once resumed from a cursor. Large enough that
// nothing between the cursor and now is skipped.
const SteadyStateLimit = 100000

// DefaultInitialLimit is how many events per room the first run retrieves unless told
// otherwise.
const DefaultInitialLimit = 100

// WarmStartLimit is the timeline limit of the priming sync when a cursor exists. Its events
// are thrown away, so none are requested.
const WarmStartLimit = 0

type State int

const (
	// No cursor was persisted: this is the first run.
	ColdStart State = iota
	// Priming sync in progress.
	Bootstrapping
	// Waiting for the client to stop after priming.
	PausingAfterBootstrap
	// Cursor applied, client restarting.
	ResumingWithCursor
	// Streaming. Every sync persists the cursor.
	SteadyState
	Failed
)

func (s State) String() string {
	switch s {
	case ColdStart:
		return "COLD_START"
	case Bootstrapping:
		return "BOOTSTRAPPING"
	case PausingAfterBootstrap:
		return "PAUSING_AFTER_BOOTSTRAP"
	case ResumingWithCursor:
		return "RESUMING_WITH_CURSOR"
	case SteadyState:
		return "STEADY_STATE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SyncClient is implemented by *sync2.Syncer.
type SyncClient interface {
	StartClient(limit int) error
	StopClient()
	SyncToken() string
	SetSyncToken(token string) error
	SubscribeSyncState(fn func(p *pubsub.SyncState)) *pubsub.Subscription
	SubscribeTimeline(fn func(p *pubsub.TimelineEvent)) *pubsub.Subscription
}

// Recorder is implemented by *ledger.Ledger.
type Recorder interface {
	Record(ctx context.Context, ev *pubsub.TimelineEvent) error
}

type Options struct {
	// Timeline limit of the priming sync. Defaults to DefaultInitialLimit.
	InitialLimit int
	// Only used for logging.
	DeviceID         string
	EnablePrometheus bool
}

// Orchestrator drives one SyncClient for the lifetime of the process. All sync state and
// timeline callbacks arrive on the hub goroutine, so events are recorded before the
// SYNCING which carries their batch's cursor is handled.
type Orchestrator struct {
	client       SyncClient
	kv           kvstore.Store
	recorder     Recorder
	initialLimit int
	deviceID     string

	ctx      context.Context
	mu       sync.Mutex
	state    State
	capture  *pubsub.Subscription
	stateSub *pubsub.Subscription

	failOnce sync.Once
	failed   chan struct{}
	err      error

	stateGauge    prometheus.Gauge
	cursorUpdates prometheus.Counter
}

func New(client SyncClient, kv kvstore.Store, recorder Recorder, opts Options) *Orchestrator {
	o := &Orchestrator{
		client:       client,
		kv:           kv,
		recorder:     recorder,
		initialLimit: opts.InitialLimit,
		deviceID:     opts.DeviceID,
		ctx:          context.Background(),
		state:        ColdStart,
		failed:       make(chan struct{}),
	}
	if o.initialLimit <= 0 {
		o.initialLimit = DefaultInitialLimit
	}
	if opts.EnablePrometheus {
		o.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matrix_recorder",
			Subsystem: "orchestrator",
			Name:      "state",
			Help:      "Current state: 0=cold start 1=bootstrapping 2=pausing 3=resuming 4=steady 5=failed",
		})
		o.cursorUpdates = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: "orchestrator",
			Name:      "cursor_updates",
			Help:      "Number of times the sync cursor was persisted",
		})
		prometheus.MustRegister(o.stateGauge, o.cursorUpdates)
	}
	return o
}

// Run starts the client and blocks until the run fails or ctx is cancelled. Returns the
// error which failed the run.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	select {
	case <-o.failed:
		return o.Err()
	case <-ctx.Done():
		return nil
	}
}

// Start kicks off the priming sync. On a first run the capture subscription is attached
// straight away, as the priming sync carries the only copy of the room backlog we will ever
// see. Otherwise priming events are thrown away.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	cursor := o.kv.Get(kvstore.KeySyncToken)
	o.stateSub = o.client.SubscribeSyncState(o.onSyncState)
	limit := o.initialLimit
	if cursor == "" {
		logger.Info().Int("limit", o.initialLimit).Msg("no sync cursor: first run, capturing initial sync")
		o.attachCapture()
	} else {
		logger.Info().Str("since", cursor).Msg("found sync cursor: priming client before resuming")
		limit = WarmStartLimit
	}
	o.transition(Bootstrapping)
	if err := o.client.StartClient(limit); err != nil {
		err = fmt.Errorf("%w: failed to start client: %w", internal.ErrProtocol, err)
		o.Fail(err)
		return err
	}
	return nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error which failed the run, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Failed is closed once the run has failed.
func (o *Orchestrator) Failed() <-chan struct{} {
	return o.failed
}

// Fail moves to Failed and stops the client. Only the first error is kept. Safe to call from
// any goroutine.
func (o *Orchestrator) Fail(err error) {
	if o.shuttingDown() && !errors.Is(err, internal.ErrStorageWrite) {
		// the sync loop is being torn down; only lost writes still fail the run
		logger.Warn().Err(err).Msg("error while shutting down")
		return
	}
	o.failOnce.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		logger.Error().Err(err).Msg("recording failed, stopping")
		o.transition(Failed)
		o.client.StopClient()
		close(o.failed)
	})
}

func (o *Orchestrator) shuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ctx.Err() != nil
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	if from == Failed {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.mu.Unlock()
	if o.stateGauge != nil {
		o.stateGauge.Set(float64(to))
	}
	logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("sync state changed")
}

func (o *Orchestrator) onSyncState(p *pubsub.SyncState) {
	current := o.State()
	if current == Failed || o.shuttingDown() {
		return
	}
	switch p.State {
	case pubsub.SyncError:
		err := p.Err
		if err == nil {
			err = errors.New("sync client reported an error")
		}
		if !errors.Is(err, internal.ErrProtocol) {
			err = fmt.Errorf("%w: %w", internal.ErrProtocol, err)
		}
		o.Fail(err)
	case pubsub.SyncPrepared:
		switch current {
		case Bootstrapping:
			// the client cannot switch cursors while it is running
			o.transition(PausingAfterBootstrap)
			logger.Info().Msg("stopping client after initial sync")
			o.client.StopClient()
		case SteadyState:
			logger.Info().Str("device_id", o.deviceID).Msg("initial sync has completed, now streaming")
			o.persistCursor(p.Token)
		}
	case pubsub.SyncSyncing:
		if current == SteadyState {
			o.persistCursor(p.Token)
		}
	case pubsub.SyncStopped:
		if current == PausingAfterBootstrap {
			o.resume()
		}
	}
}

// resume seeds the cursor from the priming sync if none was persisted, then restarts the
// client from the cursor with capture attached.
func (o *Orchestrator) resume() {
	cursor := o.kv.Get(kvstore.KeySyncToken)
	if cursor == "" {
		cursor = o.client.SyncToken()
		logger.Info().Str("since", cursor).Msg("seeding sync cursor from initial sync")
		if err := o.kv.Set(kvstore.KeySyncToken, cursor); err != nil {
			o.Fail(err)
			return
		}
	}
	if err := o.client.SetSyncToken(cursor); err != nil {
		o.Fail(fmt.Errorf("%w: %w", internal.ErrProtocol, err))
		return
	}
	o.transition(ResumingWithCursor)
	o.attachCapture()
	internal.Assert("exactly one capture subscription", o.hasCapture())
	logger.Info().Str("since", cursor).Int("limit", SteadyStateLimit).Msg("restarting client from sync cursor")
	if err := o.client.StartClient(SteadyStateLimit); err != nil {
		o.Fail(fmt.Errorf("%w: failed to restart client: %w", internal.ErrProtocol, err))
		return
	}
	o.transition(SteadyState)
}

func (o *Orchestrator) persistCursor(token string) {
	if token == "" {
		return
	}
	logger.Debug().Str("since", token).Msg("updating sync cursor")
	if err := o.kv.Set(kvstore.KeySyncToken, token); err != nil {
		o.Fail(err)
		return
	}
	if o.cursorUpdates != nil {
		o.cursorUpdates.Inc()
	}
}

// attachCapture subscribes the ledger to timeline events unless it already is.
func (o *Orchestrator) attachCapture() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.capture != nil {
		return
	}
	o.capture = o.client.SubscribeTimeline(o.onTimelineEvent)
}

func (o *Orchestrator) hasCapture() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.capture != nil
}

func (o *Orchestrator) onTimelineEvent(ev *pubsub.TimelineEvent) {
	o.mu.Lock()
	ctx := o.ctx
	state := o.state
	o.mu.Unlock()
	if state == Failed || ctx.Err() != nil {
		// the cursor is not advanced past these either, they are picked up on the next run
		return
	}
	if err := o.recorder.Record(ctx, ev); err != nil {
		o.Fail(err)
	}
}

// Close drops the subscriptions and metrics.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	capture := o.capture
	o.capture = nil
	o.mu.Unlock()
	if capture != nil {
		capture.Unsubscribe()
	}
	if o.stateSub != nil {
		o.stateSub.Unsubscribe()
	}
	if o.stateGauge != nil {
		prometheus.Unregister(o.stateGauge)
		prometheus.Unregister(o.cursorUpdates)
	}
}
