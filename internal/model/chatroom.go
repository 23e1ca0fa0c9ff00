package model

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// ChatroomKind tags the variant of a Chatroom. All variants share one struct;
// the rules that differ (capacity, naming, uniqueness) are selected by
// switching on the kind.
type ChatroomKind string

const (
	KindRoom      ChatroomKind = "room"      // group room, up to 8 participants
	KindPair      ChatroomKind = "pair"      // 1:1 chat between two users
	KindFavorites ChatroomKind = "favorites" // a user's personal notes room
)

// Capacity returns the maximum number of participants for the kind.
// Unknown kinds have capacity 0 so they can never hold anyone.
func (k ChatroomKind) Capacity() int {
	switch k {
	case KindRoom:
		return 8
	case KindPair:
		return 2
	case KindFavorites:
		return 1
	default:
		return 0
	}
}

// Valid reports whether k is one of the known kinds.
func (k ChatroomKind) Valid() bool {
	switch k {
	case KindRoom, KindPair, KindFavorites:
		return true
	default:
		return false
	}
}

// MessageFlags returns the denormalised (is_chat, is_favorite) flags stored on
// every message written to a room of this kind.
func (k ChatroomKind) MessageFlags() (isChat, isFavorite bool) {
	switch k {
	case KindPair:
		return true, false
	case KindFavorites:
		return false, true
	default:
		return false, false
	}
}

// Chatroom is a conversation space. ParticipantIDs keeps insertion order, which
// is the order the pair-chat name is derived from.
//
// UniqueKey is set for kinds that must be unique per participant set:
// "pair:{a}|{b}" (ids sorted) and "favorites:{owner}". The store enforces it,
// so two concurrent creations of the same pair cannot both succeed.
type Chatroom struct {
	ID             string       `json:"id"`
	Kind           ChatroomKind `json:"kind"`
	Name           string       `json:"name"`
	Avatar         string       `json:"avatar"`
	ParticipantIDs []string     `json:"participantIds"`
	Capacity       int          `json:"capacity"`
	UniqueKey      string       `json:"-"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// HasParticipant reports whether userID is a participant of the room.
func (c *Chatroom) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// PairKey is the order-independent unique key of a pair chat.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return "pair:" + strings.Join(ids, "|")
}

// FavoritesKey is the unique key of a user's favorites room.
func FavoritesKey(ownerID string) string {
	return "favorites:" + ownerID
}

// Markers that only derived names carry. Plain room names may not contain
// them, so a plain room can never take the name of a pair or favorites room.
const (
	pairSeparator   = " & "
	favoritesSuffix = " · favorites"
)

// PairName derives the display name of a pair chat from its participants'
// names, in the order they were added.
func PairName(first, second string) string {
	return first + pairSeparator + second
}

// FavoritesName is the display name of a user's favorites room.
func FavoritesName(ownerName string) string {
	return ownerName + favoritesSuffix
}

// NumberedName disambiguates a derived name that is already taken,
// e.g. "x & y & z #2".
func NumberedName(base string, n int) string {
	return fmt.Sprintf("%s #%d", base, n)
}

// IsDerivedName reports whether name lies in the space reserved for pair and
// favorites rooms.
func IsDerivedName(name string) bool {
	return strings.Contains(name, pairSeparator) || strings.Contains(name, favoritesSuffix)
}
