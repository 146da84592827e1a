package pubsub

import (
	"encoding/json"
)

// The channel which has sync state and timeline payloads, in the order the sync loop saw them.
const ChanSync = "syncch"

// Values of SyncState.State.
const (
	// The first sync after StartClient has been processed.
	SyncPrepared = "PREPARED"
	// A subsequent sync has been processed.
	SyncSyncing = "SYNCING"
	// The sync loop has exited after StopClient.
	SyncStopped = "STOPPED"
	// The sync loop has exited because of an error.
	SyncError = "ERROR"
)

// SyncState is emitted after all timeline events of a sync response have been emitted.
type SyncState struct {
	State string
	// The next_batch of the response which was just processed. Empty for STOPPED and ERROR.
	Token string
	Err   error
}

func (v SyncState) Type() string { return "s" }

// TimelineEvent is one event from a joined room's timeline.
type TimelineEvent struct {
	RoomID string
	// Name of the room at the time the event was received.
	RoomName string
	Event    json.RawMessage
}

func (v TimelineEvent) Type() string { return "t" }
