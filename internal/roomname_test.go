package internal

import "testing"

func TestCalculateRoomName(t *testing.T) {
	alice := Hero{ID: "@alice:localhost", Name: "Alice"}
	bob := Hero{ID: "@bob:localhost", Name: "Bob"}
	charlie := Hero{ID: "@charlie:localhost", Name: "Charlie"}
	testCases := []struct {
		name     string
		summary  RoomSummary
		maxNames int
		want     string
	}{
		{
			name: "room name takes precedence",
			summary: RoomSummary{
				Name: "My Room Name", CanonicalAlias: "#alias:localhost",
				Heroes: []Hero{alice, bob}, JoinedCount: 5, InvitedCount: 1,
			},
			maxNames: 3,
			want:     "My Room Name",
		},
		{
			name: "alias if name is missing",
			summary: RoomSummary{
				CanonicalAlias: "#alias:localhost",
				Heroes:         []Hero{alice, bob}, JoinedCount: 5, InvitedCount: 1,
			},
			maxNames: 3,
			want:     "#alias:localhost",
		},
		{
			name:     "large group chat",
			summary:  RoomSummary{Heroes: []Hero{alice, bob}, JoinedCount: 5, InvitedCount: 1},
			maxNames: 3,
			want:     "Alice, Bob and 3 others",
		},
		{
			name:     "heroes capped",
			summary:  RoomSummary{Heroes: []Hero{alice, bob, charlie}, JoinedCount: 10},
			maxNames: 2,
			want:     "Alice, Bob and 7 others",
		},
		{
			name:     "small group chat",
			summary:  RoomSummary{Heroes: []Hero{alice, bob, charlie}, JoinedCount: 4},
			maxNames: 3,
			want:     "Alice, Bob and Charlie",
		},
		{
			name:     "direct message",
			summary:  RoomSummary{Heroes: []Hero{alice}, JoinedCount: 1, InvitedCount: 1},
			maxNames: 3,
			want:     "Alice",
		},
		{
			name:     "everyone else left",
			summary:  RoomSummary{Heroes: []Hero{alice, bob}, JoinedCount: 1},
			maxNames: 3,
			want:     "Empty Room (was Alice and Bob)",
		},
		{
			name:     "nobody",
			summary:  RoomSummary{JoinedCount: 1},
			maxNames: 3,
			want:     "Empty Room",
		},
		{
			name: "duplicate display names",
			summary: RoomSummary{
				Heroes:      []Hero{alice, {ID: "@alice2:localhost", Name: "Alice"}},
				JoinedCount: 3,
			},
			maxNames: 3,
			want:     "Alice (@alice:localhost) and Alice (@alice2:localhost)",
		},
		{
			name:     "hero without display name",
			summary:  RoomSummary{Heroes: []Hero{{ID: "@dave:localhost"}}, JoinedCount: 2},
			maxNames: 3,
			want:     "@dave:localhost",
		},
	}
	for _, tc := range testCases {
		got := CalculateRoomName(tc.summary, tc.maxNames)
		if got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
