package state

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/matrix-org/matrix-recorder/internal"
)

const mediaSchema = `
CREATE TABLE IF NOT EXISTS files_stored (
	room_id VARCHAR(300),
	event_id VARCHAR(300),
	mxc_url VARCHAR(300),
	mimetype VARCHAR(100),
	filename VARCHAR(300)
);`

// MediaRef records where the content behind an mxc:// URI was written, relative to the
// media directory.
type MediaRef struct {
	RoomID   string `db:"room_id"`
	EventID  string `db:"event_id"`
	MXCURL   string `db:"mxc_url"`
	MimeType string `db:"mimetype"`
	Filename string `db:"filename"`
}

type MediaTable struct {
	db *sqlx.DB
}

func NewMediaTable(db *sqlx.DB) *MediaTable {
	return &MediaTable{db: db}
}

func (t *MediaTable) Insert(ctx context.Context, ref MediaRef) error {
	_, err := t.db.NamedExecContext(ctx, `INSERT INTO files_stored (room_id, event_id, mxc_url, mimetype, filename)
		VALUES (:room_id, :event_id, :mxc_url, :mimetype, :filename)`, ref)
	if err != nil {
		return internal.StorageError("insert media reference", err)
	}
	return nil
}

// SelectByEvent returns the media stored for an event, main content before thumbnails
// in insertion order.
func (t *MediaTable) SelectByEvent(ctx context.Context, roomID, eventID string) ([]MediaRef, error) {
	var refs []MediaRef
	err := t.db.SelectContext(ctx, &refs, t.db.Rebind(
		`SELECT room_id, event_id, mxc_url, mimetype, filename FROM files_stored WHERE room_id = ? AND event_id = ?`,
	), roomID, eventID)
	return refs, err
}

// SelectByURL returns every reference to the given content URI.
func (t *MediaTable) SelectByURL(ctx context.Context, mxcURL string) ([]MediaRef, error) {
	var refs []MediaRef
	err := t.db.SelectContext(ctx, &refs, t.db.Rebind(
		`SELECT room_id, event_id, mxc_url, mimetype, filename FROM files_stored WHERE mxc_url = ?`,
	), mxcURL)
	return refs, err
}
