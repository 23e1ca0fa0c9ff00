package sqlite

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/repository"
)

func createTestRoom(t *testing.T, db *DB, kind model.ChatroomKind, name, uniqueKey string, participants ...string) *model.Chatroom {
	t.Helper()
	room := &model.Chatroom{Kind: kind, Name: name, UniqueKey: uniqueKey, ParticipantIDs: participants}
	if err := db.CreateChatroom(context.Background(), room); err != nil {
		t.Fatalf("failed to create test room %q: %v", name, err)
	}
	return room
}

func TestCreateChatroom(t *testing.T) {
	db := newTestDB(t)
	a := createTestUser(t, db, "alice")
	b := createTestUser(t, db, "bobby")

	room := createTestRoom(t, db, model.KindRoom, "lobby", "", b.ID, a.ID)
	if room.ID == "" || room.Capacity != 8 {
		t.Fatalf("CreateChatroom() room = %+v", room)
	}

	got, err := db.GetChatroomByID(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("GetChatroomByID() error = %v", err)
	}
	if got.Kind != model.KindRoom || got.Name != "lobby" {
		t.Errorf("GetChatroomByID() = %+v", got)
	}
	if !slices.Equal(got.ParticipantIDs, []string{b.ID, a.ID}) {
		t.Errorf("participants = %v, want insertion order [%s %s]", got.ParticipantIDs, b.ID, a.ID)
	}

	byName, err := db.GetChatroomByName(context.Background(), "lobby")
	if err != nil || byName.ID != room.ID {
		t.Errorf("GetChatroomByName() = (%v, %v)", byName, err)
	}
}

func TestCreateChatroom_Conflicts(t *testing.T) {
	db := newTestDB(t)
	a := createTestUser(t, db, "alice")
	b := createTestUser(t, db, "bobby")
	createTestRoom(t, db, model.KindRoom, "lobby", "", a.ID)
	createTestRoom(t, db, model.KindPair, "alice & bobby", model.PairKey(a.ID, b.ID), a.ID, b.ID)

	tests := []struct {
		name string
		room *model.Chatroom
	}{
		{"duplicate name", &model.Chatroom{Kind: model.KindRoom, Name: "lobby", ParticipantIDs: []string{b.ID}}},
		{"same pair reversed", &model.Chatroom{
			Kind: model.KindPair, Name: "bobby & alice",
			UniqueKey: model.PairKey(b.ID, a.ID), ParticipantIDs: []string{b.ID, a.ID},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.CreateChatroom(context.Background(), tt.room)
			if !errors.Is(err, apperror.ErrConflict) {
				t.Fatalf("CreateChatroom() error = %v, want ErrConflict", err)
			}
			if tt.room.ID != "" {
				t.Error("failed CreateChatroom() should not leave an ID set")
			}
		})
	}

	rooms, _ := db.ListChatroomsForUser(context.Background(), b.ID, repository.ListOptions{})
	if len(rooms) != 1 {
		t.Errorf("bobby has %d rooms, want 1 (no partial writes)", len(rooms))
	}
}

func TestCreateChatroom_CapacityAndUnknownUser(t *testing.T) {
	db := newTestDB(t)
	a := createTestUser(t, db, "alice")

	tooMany := &model.Chatroom{Kind: model.KindFavorites, Name: "fav", ParticipantIDs: []string{a.ID, "x"}}
	if err := db.CreateChatroom(context.Background(), tooMany); !errors.Is(err, apperror.ErrCapacityExceeded) {
		t.Errorf("CreateChatroom() over capacity error = %v, want ErrCapacityExceeded", err)
	}

	ghost := &model.Chatroom{Kind: model.KindRoom, Name: "ghosts", ParticipantIDs: []string{"no-such-user"}}
	if err := db.CreateChatroom(context.Background(), ghost); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("CreateChatroom() with unknown user error = %v, want ErrValidation", err)
	}
	if _, err := db.GetChatroomByName(context.Background(), "ghosts"); !errors.Is(err, apperror.ErrNotFound) {
		t.Error("room insert should roll back when a participant insert fails")
	}
}

func TestUpdateChatroom(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "alice")
	b := createTestUser(t, db, "bobby")
	c := createTestUser(t, db, "carol")
	room := createTestRoom(t, db, model.KindRoom, "lobby", "", a.ID)

	room.Name = "hall"
	room.Avatar = "hall.png"
	room.ParticipantIDs = []string{c.ID, a.ID, b.ID, c.ID}
	if err := db.UpdateChatroom(ctx, room); err != nil {
		t.Fatalf("UpdateChatroom() error = %v", err)
	}
	if want := []string{a.ID, c.ID, b.ID}; !slices.Equal(room.ParticipantIDs, want) {
		t.Errorf("participants = %v, want %v", room.ParticipantIDs, want)
	}

	got, _ := db.GetChatroomByID(ctx, room.ID)
	if got.Name != "hall" || got.Avatar != "hall.png" || len(got.ParticipantIDs) != 3 {
		t.Errorf("after update got %+v", got)
	}
}

func TestUpdateChatroom_Capacity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := range 9 {
		ids = append(ids, createTestUser(t, db, fmt.Sprintf("user%d", i)).ID)
	}
	room := createTestRoom(t, db, model.KindRoom, "full", "", ids[:8]...)

	room.ParticipantIDs = []string{ids[8]}
	if err := db.UpdateChatroom(ctx, room); !errors.Is(err, apperror.ErrCapacityExceeded) {
		t.Fatalf("UpdateChatroom() error = %v, want ErrCapacityExceeded", err)
	}

	got, _ := db.GetChatroomByID(ctx, room.ID)
	if len(got.ParticipantIDs) != 8 {
		t.Errorf("room has %d participants, want 8", len(got.ParticipantIDs))
	}
}

func TestUpdateChatroom_ConcurrentAdditionsRespectCapacity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	owner := createTestUser(t, db, "owner")
	room := createTestRoom(t, db, model.KindRoom, "race", "", owner.ID)

	var joiners []string
	for i := range 12 {
		joiners = append(joiners, createTestUser(t, db, fmt.Sprintf("joiner%d", i)).ID)
	}

	var wg sync.WaitGroup
	for _, id := range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			update := &model.Chatroom{ID: room.ID, Name: room.Name, ParticipantIDs: []string{id}}
			err := db.UpdateChatroom(ctx, update)
			if err != nil && !errors.Is(err, apperror.ErrCapacityExceeded) {
				t.Errorf("UpdateChatroom() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := db.GetChatroomByID(ctx, room.ID)
	if len(got.ParticipantIDs) != 8 {
		t.Errorf("room has %d participants, want exactly 8", len(got.ParticipantIDs))
	}
}

func TestUpdateChatroom_NotFoundAndNameConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "alice")
	createTestRoom(t, db, model.KindRoom, "taken", "", a.ID)
	room := createTestRoom(t, db, model.KindRoom, "mine", "", a.ID)

	room.Name = "taken"
	if err := db.UpdateChatroom(ctx, room); !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("rename to taken name error = %v, want ErrConflict", err)
	}

	missing := &model.Chatroom{ID: "nope", Name: "nope"}
	if err := db.UpdateChatroom(ctx, missing); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdateChatroom() on missing room error = %v, want ErrNotFound", err)
	}
}

func TestDeleteChatroom_Cascades(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "alice")
	room := createTestRoom(t, db, model.KindRoom, "lobby", "", a.ID)

	msg := &model.Message{ChatroomID: room.ID, AuthorID: a.ID, Text: "hi"}
	if err := db.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	if err := db.DeleteChatroom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteChatroom() error = %v", err)
	}

	if _, err := db.GetChatroomByID(ctx, room.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("room still present after delete: %v", err)
	}
	if _, err := db.GetMessageByID(ctx, msg.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("message still present after room delete: %v", err)
	}
	rooms, _ := db.ListChatroomsForUser(ctx, a.ID, repository.ListOptions{})
	if len(rooms) != 0 {
		t.Errorf("participant rows survived delete: %v", rooms)
	}

	if err := db.DeleteChatroom(ctx, room.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second DeleteChatroom() error = %v, want ErrNotFound", err)
	}
}

func TestListChatroomsForUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "alice")
	b := createTestUser(t, db, "bobby")

	createTestRoom(t, db, model.KindRoom, "one", "", a.ID)
	createTestRoom(t, db, model.KindRoom, "two", "", a.ID, b.ID)
	createTestRoom(t, db, model.KindRoom, "three", "", b.ID)

	rooms, err := db.ListChatroomsForUser(ctx, a.ID, repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListChatroomsForUser() error = %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("alice has %d rooms, want 2", len(rooms))
	}
	for _, r := range rooms {
		if !r.HasParticipant(a.ID) {
			t.Errorf("room %q listed without alice: %v", r.Name, r.ParticipantIDs)
		}
		if r.Name == "two" && !slices.Equal(r.ParticipantIDs, []string{a.ID, b.ID}) {
			t.Errorf("room two participants = %v", r.ParticipantIDs)
		}
	}
}

func TestSearchChatrooms(t *testing.T) {
	db := newTestDB(t)
	a := createTestUser(t, db, "alice")
	createTestRoom(t, db, model.KindRoom, "go-lovers", "", a.ID)
	createTestRoom(t, db, model.KindRoom, "gophers", "", a.ID)
	createTestRoom(t, db, model.KindRoom, "rustaceans", "", a.ID)

	rooms, err := db.SearchChatrooms(context.Background(), "go", repository.ListOptions{})
	if err != nil {
		t.Fatalf("SearchChatrooms() error = %v", err)
	}
	if len(rooms) != 2 || rooms[0].Name != "go-lovers" || rooms[1].Name != "gophers" {
		t.Errorf("SearchChatrooms() = %v", rooms)
	}
	if len(rooms[0].ParticipantIDs) != 1 {
		t.Errorf("search results should carry participants, got %v", rooms[0].ParticipantIDs)
	}
}
