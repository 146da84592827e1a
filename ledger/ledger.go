// Package ledger turns timeline events into archive rows and hands the media they reference to
// the attachment store.
package ledger

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/matrix-recorder/internal"
	"github.com/matrix-org/matrix-recorder/media"
	"github.com/matrix-org/matrix-recorder/pubsub"
	"github.com/matrix-org/matrix-recorder/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// EventInserter appends event rows. Implemented by *state.EventsTable.
type EventInserter interface {
	Insert(ctx context.Context, ev state.Event) error
}

// AttachmentStorer is implemented by *media.Store.
type AttachmentStorer interface {
	StoreAsync(ctx context.Context, roomID, eventID string, ref media.FileRef) <-chan media.StoreResult
}

type Options struct {
	EnablePrometheus bool
}

// Ledger records timeline events. Record is called from one goroutine at a time; attachment
// outcomes arrive in the background.
type Ledger struct {
	events  EventInserter
	media   AttachmentStorer
	onFatal func(err error)
	wg      sync.WaitGroup

	eventsRecorded prometheus.Counter
	attachments    *prometheus.CounterVec
}

// New makes a Ledger. onFatal is called, possibly from another goroutine, when storing an
// attachment fails in a way which must stop the run.
func New(events EventInserter, store AttachmentStorer, onFatal func(err error), opts Options) *Ledger {
	l := &Ledger{
		events:  events,
		media:   store,
		onFatal: onFatal,
	}
	if opts.EnablePrometheus {
		l.eventsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: "ledger",
			Name:      "events_recorded",
			Help:      "Number of event rows written",
		})
		l.attachments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matrix_recorder",
			Subsystem: "ledger",
			Name:      "attachments",
			Help:      "Number of attachments found in events, by shape and outcome",
		}, []string{"shape", "outcome"})
		prometheus.MustRegister(l.eventsRecorded, l.attachments)
	}
	return l
}

// Record appends ev to the events table and schedules every attachment it references. The
// row is written even if an attachment later fails. The same event recorded twice makes two
// rows. Only errors which must stop the run are returned. Cancelling ctx does not interrupt
// the insert or the attachments.
func (l *Ledger) Record(ctx context.Context, ev *pubsub.TimelineEvent) error {
	row := NewEvent(ev)
	ctx = internal.EventContext(internal.WithoutCancel(ctx), row.RoomID, row.RoomName, row.EventID)

	logEvent := logger.Info()
	if row.Encrypted {
		logEvent = logEvent.Bool("encrypted", true)
	}
	internal.DecorateLogger(ctx, logEvent).
		Str("type", row.Type).Str("sender", row.Sender).Int64("ts", row.Timestamp).
		Msg("received")
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		internal.DecorateLogger(ctx, logger.Debug()).
			Str("sender_key", row.SenderKey).Str("target", row.Target).
			RawJSON("content", []byte(row.Content)).RawJSON("unsigned", []byte(row.Unsigned)).
			Msg("event detail")
	}

	if err := l.events.Insert(ctx, row); err != nil {
		return err
	}
	if l.eventsRecorded != nil {
		l.eventsRecorded.Inc()
	}

	content := gjson.GetBytes(ev.Event, "content")
	if content.Get("url").Exists() && !content.Get("info").Exists() {
		internal.DecorateLogger(ctx, logger.Warn()).Str("content", content.Raw).Msg("content with url but without info")
	}
	for _, a := range Attachments(content) {
		l.store(ctx, row.RoomID, row.EventID, a)
	}
	return nil
}

// store hands the attachment to the store now, so downloads happen in event order, and waits
// for the outcome in the background.
func (l *Ledger) store(ctx context.Context, roomID, eventID string, a Attachment) {
	results := l.media.StoreAsync(ctx, roomID, eventID, a.Ref)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		res := <-results
		if res.Err == nil {
			l.count(a.Shape, "stored")
			internal.DecorateLogger(ctx, logger.Info()).Str("url", a.Ref.URL).Str("path", res.Path).Msg("stored attachment")
			return
		}
		if internal.IsFatal(res.Err) {
			l.count(a.Shape, "fatal")
			internal.DecorateLogger(ctx, logger.Error()).Err(res.Err).Str("url", a.Ref.URL).Msg("failed to store attachment")
			if l.onFatal != nil {
				l.onFatal(res.Err)
			}
			return
		}
		l.count(a.Shape, "skipped")
		internal.DecorateLogger(ctx, logger.Warn()).Err(res.Err).Str("url", a.Ref.URL).
			Bool("integrity", errors.Is(res.Err, internal.ErrIntegrity)).
			Msg("skipping attachment")
	}()
}

// Wait blocks until every scheduled attachment has finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

func (l *Ledger) Close() {
	if l.eventsRecorded != nil {
		prometheus.Unregister(l.eventsRecorded)
		prometheus.Unregister(l.attachments)
	}
}

func (l *Ledger) count(shape, outcome string) {
	if l.attachments != nil {
		l.attachments.WithLabelValues(shape, outcome).Inc()
	}
}

// NewEvent maps a timeline event onto an events_received row. Missing fields are left
// empty; content and unsigned default to {}.
func NewEvent(ev *pubsub.TimelineEvent) state.Event {
	parsed := gjson.ParseBytes(ev.Event)
	evType := parsed.Get("type").Str
	row := state.Event{
		RoomID:    ev.RoomID,
		RoomName:  ev.RoomName,
		EventID:   parsed.Get("event_id").Str,
		Timestamp: parsed.Get("origin_server_ts").Int(),
		Sender:    parsed.Get("sender").Str,
		SenderKey: parsed.Get("content.sender_key").Str,
		Type:      evType,
		Encrypted: evType == "m.room.encrypted",
		Content:   rawOrEmptyObject(parsed.Get("content")),
		Unsigned:  rawOrEmptyObject(parsed.Get("unsigned")),
	}
	if evType == "m.room.member" {
		row.Target = parsed.Get("state_key").Str
	}
	return row
}

func rawOrEmptyObject(r gjson.Result) string {
	if !r.IsObject() {
		return "{}"
	}
	// compact so identical re-deliveries produce identical rows
	return r.Get("@ugly").Raw
}
