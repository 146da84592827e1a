package internal

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "recorder_data"
)

// logging metadata for the processing of a single timeline event
type data struct {
	roomID   string
	roomName string
	eventID  string
	since    string
}

// EventContext prepares a context which carries the identity of the event being processed.
func EventContext(parent context.Context, roomID, roomName, eventID string) context.Context {
	d := &data{
		roomID:   roomID,
		roomName: roomName,
		eventID:  eventID,
	}
	if p, ok := parent.Value(ctxData).(*data); ok {
		d.since = p.since
	}
	return context.WithValue(parent, ctxData, d)
}

// SyncContext prepares a context which remembers the since token of the sync batch being processed.
func SyncContext(parent context.Context, since string) context.Context {
	return context.WithValue(parent, ctxData, &data{since: since})
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.roomID != "" {
		l = l.Str("room_id", da.roomID)
	}
	if da.roomName != "" {
		l = l.Str("room", da.roomName)
	}
	if da.eventID != "" {
		l = l.Str("event_id", da.eventID)
	}
	if da.since != "" {
		l = l.Str("since", da.since)
	}
	return l
}

// WithoutCancel returns a context which keeps the values of parent but is never cancelled
// and has no deadline. Work which must finish once started, such as storing an attachment
// of a recorded event, runs under it.
func WithoutCancel(parent context.Context) context.Context {
	return withoutCancel{parent}
}

type withoutCancel struct {
	parent context.Context
}

func (withoutCancel) Deadline() (time.Time, bool) { return time.Time{}, false }
func (withoutCancel) Done() <-chan struct{}       { return nil }
func (withoutCancel) Err() error                  { return nil }

func (c withoutCancel) Value(key interface{}) interface{} {
	return c.parent.Value(key)
}
