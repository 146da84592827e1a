package sync2

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/matrix-recorder/internal"
)

type member struct {
	displayName string
	membership  string
}

type roomInfo struct {
	name    string
	alias   string
	members map[string]member
	// from the room summary, if the server sent one
	heroes  []string
	joined  *int
	invited *int
}

// roomTracker follows enough room state to name rooms the way a client would display them.
// Only the sync loop goroutine touches it.
type roomTracker struct {
	userID string
	rooms  map[string]*roomInfo
}

func newRoomTracker(userID string) *roomTracker {
	return &roomTracker{
		userID: userID,
		rooms:  make(map[string]*roomInfo),
	}
}

func (t *roomTracker) room(roomID string) *roomInfo {
	r := t.rooms[roomID]
	if r == nil {
		r = &roomInfo{members: make(map[string]member)}
		t.rooms[roomID] = r
	}
	return r
}

func (t *roomTracker) applySummary(roomID string, s RoomSummary) {
	r := t.room(roomID)
	if s.Heroes != nil {
		r.heroes = s.Heroes
	}
	if s.JoinedMemberCount != nil {
		r.joined = s.JoinedMemberCount
	}
	if s.InvitedMemberCount != nil {
		r.invited = s.InvitedMemberCount
	}
}

// applyEvent updates the room if ev is a state event we care about. Non-state events are
// ignored.
func (t *roomTracker) applyEvent(roomID string, ev json.RawMessage) {
	parsed := gjson.ParseBytes(ev)
	stateKey := parsed.Get("state_key")
	if !stateKey.Exists() {
		return
	}
	r := t.room(roomID)
	content := parsed.Get("content")
	switch parsed.Get("type").Str {
	case "m.room.name":
		r.name = content.Get("name").Str
	case "m.room.canonical_alias":
		r.alias = content.Get("alias").Str
	case "m.room.member":
		membership := content.Get("membership").Str
		if membership == "join" || membership == "invite" {
			r.members[stateKey.Str] = member{
				displayName: content.Get("displayname").Str,
				membership:  membership,
			}
		} else {
			delete(r.members, stateKey.Str)
		}
	}
}

func (t *roomTracker) name(roomID string) string {
	r := t.rooms[roomID]
	if r == nil {
		return roomID
	}
	summary := internal.RoomSummary{
		Name:           r.name,
		CanonicalAlias: r.alias,
	}
	var joined, invited int
	for _, m := range r.members {
		if m.membership == "join" {
			joined++
		} else {
			invited++
		}
	}
	if r.joined != nil {
		joined = *r.joined
	}
	if r.invited != nil {
		invited = *r.invited
	}
	summary.JoinedCount = joined
	summary.InvitedCount = invited

	heroIDs := r.heroes
	if heroIDs == nil {
		for userID := range r.members {
			if userID != t.userID {
				heroIDs = append(heroIDs, userID)
			}
		}
		slices.Sort(heroIDs)
		if len(heroIDs) > internal.MaxHeroNames {
			heroIDs = heroIDs[:internal.MaxHeroNames]
		}
	}
	for _, id := range heroIDs {
		summary.Heroes = append(summary.Heroes, internal.Hero{
			ID:   id,
			Name: r.members[id].displayName,
		})
	}
	return internal.CalculateRoomName(summary, internal.MaxHeroNames)
}
