package internal

import (
	"fmt"
	"strings"
)

// Names of at most this many heroes are listed before falling back to "and N others".
const MaxHeroNames = 5

// RoomSummary holds the state needed to name a room.
type RoomSummary struct {
	// content.name of m.room.name
	Name string
	// content.alias of m.room.canonical_alias
	CanonicalAlias string
	Heroes         []Hero
	JoinedCount    int
	InvitedCount   int
}

type Hero struct {
	ID   string
	Name string
}

// CalculateRoomName applies the client-server API room naming rules: explicit name, then
// canonical alias, then a name built from the heroes.
func CalculateRoomName(s RoomSummary, maxNames int) string {
	if s.Name != "" {
		return s.Name
	}
	if s.CanonicalAlias != "" {
		return s.CanonicalAlias
	}
	names := disambiguate(s.Heroes)
	others := s.JoinedCount + s.InvitedCount - 1
	alone := others <= 0
	if len(names) == 0 {
		return "Empty Room"
	}

	var composed string
	if len(names) >= others {
		composed = joinNames(names)
	} else {
		n := len(names)
		if n > maxNames {
			n = maxNames
		}
		composed = fmt.Sprintf("%s and %d others", strings.Join(names[:n], ", "), others-n)
	}
	if alone {
		return fmt.Sprintf("Empty Room (was %s)", composed)
	}
	return composed
}

func joinNames(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}

// disambiguate appends the user ID to any display name shared by more than one hero.
// Heroes without a display name are listed by user ID.
func disambiguate(heroes []Hero) []string {
	count := make(map[string]int, len(heroes))
	for _, h := range heroes {
		count[h.Name]++
	}
	names := make([]string, len(heroes))
	for i, h := range heroes {
		switch {
		case h.Name == "":
			names[i] = h.ID
		case count[h.Name] > 1:
			names[i] = fmt.Sprintf("%s (%s)", h.Name, h.ID)
		default:
			names[i] = h.Name
		}
	}
	return names
}
