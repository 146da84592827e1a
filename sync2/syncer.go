package sync2

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var errAlreadyRunning = errors.New("sync loop is already running")

type SyncerOptions struct {
	// Consecutive failed sync requests after which the loop gives up and reports ERROR.
	// Defaults to 5.
	MaxFailures int
	// How long to wait before retrying after failCount failures in a row. Defaults to
	// 2^failCount seconds.
	Backoff          func(failCount int) time.Duration
	EnablePrometheus bool
}

// Syncer runs the /sync loop for one account and publishes what it sees on pubsub.ChanSync:
// every timeline event of a response, in order, followed by one SyncState. The first response
// after StartClient is PREPARED, later ones are SYNCING. When the loop exits it publishes
// STOPPED, or ERROR if it gave up.
type Syncer struct {
	client      Client
	notifier    pubsub.Notifier
	hub         *pubsub.Hub
	accessToken string
	rooms       *roomTracker
	maxFailures int
	backoff     func(failCount int) time.Duration

	mu      sync.Mutex
	since   string
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	syncRequests *prometheus.CounterVec
}

func NewSyncer(client Client, notifier pubsub.Notifier, hub *pubsub.Hub, userID, accessToken string, opts SyncerOptions) *Syncer {
	s := &Syncer{
		client:      client,
		notifier:    notifier,
		hub:         hub,
		accessToken: accessToken,
		rooms:       newRoomTracker(userID),
		maxFailures: opts.MaxFailures,
		backoff:     opts.Backoff,
	}
	if s.maxFailures <= 0 {
		s.maxFailures = 5
	}
	if s.backoff == nil {
		s.backoff = func(failCount int) time.Duration {
			return time.Duration(math.Pow(2, float64(failCount))) * time.Second
		}
	}
	if opts.EnablePrometheus {
		s.syncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: "sync",
			Name:      "requests",
			Help:      "Number of /sync requests made, by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(s.syncRequests)
	}
	return s
}

// SubscribeSyncState calls fn for every sync state change, on the hub goroutine.
func (s *Syncer) SubscribeSyncState(fn func(p *pubsub.SyncState)) *pubsub.Subscription {
	return s.hub.Subscribe(func(p pubsub.Payload) {
		if state, ok := p.(*pubsub.SyncState); ok {
			fn(state)
		}
	})
}

// SubscribeTimeline calls fn for every timeline event, on the hub goroutine.
func (s *Syncer) SubscribeTimeline(fn func(p *pubsub.TimelineEvent)) *pubsub.Subscription {
	return s.hub.Subscribe(func(p pubsub.Payload) {
		if ev, ok := p.(*pubsub.TimelineEvent); ok {
			fn(ev)
		}
	})
}

// SyncToken returns the next_batch of the last response which was fully published.
func (s *Syncer) SyncToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

// SetSyncToken sets where the next StartClient resumes from. The token cannot be changed
// while the loop is running.
func (s *Syncer) SetSyncToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("SetSyncToken: %w", errAlreadyRunning)
	}
	s.since = token
	return nil
}

// StartClient starts the sync loop, requesting at most limit timeline events per room. It
// may be called from a subscriber callback, including the one handling STOPPED.
func (s *Syncer) StartClient(limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("StartClient: syncer is closed")
	}
	if s.running {
		return errAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	logger.Info().Int("limit", limit).Str("since", s.since).Msg("starting sync loop")
	go s.loop(ctx, limit, s.done)
	return nil
}

// StopClient asks the loop to exit and returns immediately. STOPPED is published once it
// has. A no-op if the loop is not running.
func (s *Syncer) StopClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Close stops the loop for good and waits for it to exit. The hub must still be running.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	done := s.done
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	if s.syncRequests != nil {
		prometheus.Unregister(s.syncRequests)
	}
}

func (s *Syncer) loop(ctx context.Context, limit int, done chan struct{}) {
	defer close(done)
	exitErr := s.poll(ctx, limit)

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if exitErr != nil {
		logger.Error().Err(exitErr).Msg("sync loop failed")
		s.notify(&pubsub.SyncState{State: pubsub.SyncError, Err: exitErr})
		return
	}
	logger.Info().Msg("sync loop stopped")
	s.notify(&pubsub.SyncState{State: pubsub.SyncStopped})
}

// poll syncs until ctx is cancelled, returning nil, or until it gives up.
func (s *Syncer) poll(ctx context.Context, limit int) error {
	isFirst := true
	failCount := 0
	for {
		if failCount > 0 {
			waitTime := s.backoff(failCount)
			logger.Warn().Str("duration", waitTime.String()).Int("fail-count", failCount).Msg("waiting before next sync")
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		since := s.SyncToken()
		reqCtx, span := internal.StartSpan(internal.SyncContext(ctx, since), "DoSyncV2",
			attribute.Bool("first", isFirst),
			attribute.Int("limit", limit),
		)
		resp, statusCode, err := s.client.DoSyncV2(reqCtx, s.accessToken, since, limit, isFirst)
		if err == nil {
			internal.Logf(reqCtx, "sync", "next_batch=%s rooms=%d", resp.NextBatch, len(resp.Rooms.Join)+len(resp.Rooms.Leave))
		} else {
			internal.Logf(reqCtx, "sync", "HTTP %d after %d failures", statusCode, failCount)
		}
		span.SetError(err)
		span.End()
		if ctx.Err() != nil {
			// stopping; whatever came back is discarded and the token is unchanged
			return nil
		}
		if err != nil {
			s.count("error")
			if statusCode == 401 {
				return fmt.Errorf("%w: access token rejected: %w", internal.ErrProtocol, HTTP401)
			}
			if statusCode >= 400 && statusCode < 500 && statusCode != 429 {
				return fmt.Errorf("%w: %w", internal.ErrProtocol, err)
			}
			failCount++
			if failCount >= s.maxFailures {
				return fmt.Errorf("%w: giving up after %d failed syncs: %w", internal.ErrProtocol, failCount, err)
			}
			logger.Warn().Int("code", statusCode).Err(err).Str("since", since).Msg("sync failed, retrying")
			continue
		}
		s.count("ok")
		failCount = 0
		if err = s.publish(resp); err != nil {
			return fmt.Errorf("%w: %w", internal.ErrProtocol, err)
		}
		state := pubsub.SyncSyncing
		if isFirst {
			state = pubsub.SyncPrepared
		}
		s.mu.Lock()
		s.since = resp.NextBatch
		s.mu.Unlock()
		if err = s.notify(&pubsub.SyncState{State: state, Token: resp.NextBatch}); err != nil {
			return fmt.Errorf("%w: %w", internal.ErrProtocol, err)
		}
		isFirst = false
	}
}

// publish emits the timeline of every room in res. Rooms are visited in room ID order so
// the output is deterministic.
func (s *Syncer) publish(res *SyncResponse) error {
	joined := maps.Keys(res.Rooms.Join)
	slices.Sort(joined)
	for _, roomID := range joined {
		room := res.Rooms.Join[roomID]
		s.rooms.applySummary(roomID, room.Summary)
		if err := s.publishRoom(roomID, room.State, room.Timeline); err != nil {
			return err
		}
	}
	left := maps.Keys(res.Rooms.Leave)
	slices.Sort(left)
	for _, roomID := range left {
		room := res.Rooms.Leave[roomID]
		if err := s.publishRoom(roomID, room.State, room.Timeline); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) publishRoom(roomID string, state EventsResponse, timeline TimelineResponse) error {
	for _, ev := range state.Events {
		s.rooms.applyEvent(roomID, ev)
	}
	for _, ev := range timeline.Events {
		// the name includes the effect of this event if it renames the room
		s.rooms.applyEvent(roomID, ev)
		err := s.notify(&pubsub.TimelineEvent{
			RoomID:   roomID,
			RoomName: s.rooms.name(roomID),
			Event:    ev,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) notify(p pubsub.Payload) error {
	err := s.notifier.Notify(pubsub.ChanSync, p)
	if err != nil {
		logger.Err(err).Str("type", p.Type()).Msg("failed to publish")
	}
	return err
}

func (s *Syncer) count(outcome string) {
	if s.syncRequests != nil {
		s.syncRequests.WithLabelValues(outcome).Inc()
	}
}
