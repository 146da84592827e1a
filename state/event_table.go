package state

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/matrix-recorder/internal"
)

// Column types are the lowest common denominator of SQLite and Postgres. There is
// deliberately no unique constraint on (room_id, event_id): the same event may be
// delivered again after a restart and is then simply recorded twice.
const eventsSchema = `
CREATE TABLE IF NOT EXISTS events_received (
	room_id VARCHAR(300),
	room_name VARCHAR(500),
	event_id VARCHAR(300),
	event_date BIGINT,
	sender VARCHAR(300),
	sender_key VARCHAR(200),
	target VARCHAR(300),
	event_type VARCHAR(200),
	encrypted BOOLEAN,
	content TEXT,
	unsigned_data TEXT
);`

// Event is a row of events_received. Timestamp is the origin_server_ts in milliseconds.
type Event struct {
	RoomID    string `db:"room_id"`
	RoomName  string `db:"room_name"`
	EventID   string `db:"event_id"`
	Timestamp int64  `db:"event_date"`
	Sender    string `db:"sender"`
	SenderKey string `db:"sender_key"`
	Target    string `db:"target"`
	Type      string `db:"event_type"`
	Encrypted bool   `db:"encrypted"`
	Content   string `db:"content"`
	Unsigned  string `db:"unsigned_data"`
}

// EventsTable is the append-only ledger of received events.
type EventsTable struct {
	db *sqlx.DB
}

func NewEventsTable(db *sqlx.DB) *EventsTable {
	return &EventsTable{db: db}
}

// Insert appends ev. It never updates or deduplicates.
func (t *EventsTable) Insert(ctx context.Context, ev Event) error {
	_, err := t.db.NamedExecContext(ctx, `INSERT INTO events_received
		(room_id, room_name, event_id, event_date, sender, sender_key, target, event_type, encrypted, content, unsigned_data)
		VALUES (:room_id, :room_name, :event_id, :event_date, :sender, :sender_key, :target, :event_type, :encrypted, :content, :unsigned_data)`, ev)
	if err != nil {
		return internal.StorageError("insert event", err)
	}
	return nil
}

// SelectDistinct returns the events of a room in timestamp order, collapsing identical
// re-deliveries of the same event into one row.
func (t *EventsTable) SelectDistinct(ctx context.Context, roomID string) ([]Event, error) {
	var events []Event
	err := t.db.SelectContext(ctx, &events, t.db.Rebind(`SELECT DISTINCT
		room_id, room_name, event_id, event_date, sender, sender_key, target, event_type, encrypted, content, unsigned_data
		FROM events_received WHERE room_id = ? ORDER BY event_date ASC, event_id ASC`), roomID)
	return events, err
}

// Count returns how many rows exist for this event, including duplicates.
func (t *EventsTable) Count(ctx context.Context, roomID, eventID string) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, t.db.Rebind(
		`SELECT count(*) FROM events_received WHERE room_id = ? AND event_id = ?`,
	), roomID, eventID)
	return n, err
}

// RoomIDs returns every room which has at least one recorded event.
func (t *EventsTable) RoomIDs(ctx context.Context) ([]string, error) {
	var roomIDs []string
	err := t.db.SelectContext(ctx, &roomIDs, `SELECT DISTINCT room_id FROM events_received ORDER BY room_id`)
	return roomIDs, err
}
