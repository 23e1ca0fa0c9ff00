package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/pubsub"
	"github.com/sakif/messenger/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeStore is an in-memory implementation of all three repositories. It
// enforces the same constraints the SQLite store does (unique names and
// emails, one room per UniqueKey, capacity) so the services can be tested
// without a database.
type fakeStore struct {
	mu       sync.Mutex
	seq      int
	users    map[string]*model.User
	rooms    map[string]*model.Chatroom
	messages map[string]*model.Message
	order    []string // message ids in insertion order

	// set to a non-nil error to simulate a database failure
	createMessageErr error
}

var (
	_ repository.UserRepository     = (*fakeStore)(nil)
	_ repository.ChatroomRepository = (*fakeStore)(nil)
	_ repository.MessageRepository  = (*fakeStore)(nil)
)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*model.User),
		rooms:    make(map[string]*model.Chatroom),
		messages: make(map[string]*model.Message),
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Name == user.Name {
			return apperror.ConflictMessage("name", "name taken")
		}
		if u.Email == user.Email {
			return apperror.ConflictMessage("email", "email taken")
		}
	}
	user.ID = f.nextID("user")
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	return f.findUser(func(u *model.User) bool { return u.Email == email }, "email", email)
}

func (f *fakeStore) GetUserByName(_ context.Context, name string) (*model.User, error) {
	return f.findUser(func(u *model.User) bool { return u.Name == name }, "name", name)
}

func (f *fakeStore) findUser(match func(*model.User) bool, key, value string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFoundBy("user", key, value)
}

func (f *fakeStore) UpdateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.ID]; !ok {
		return apperror.NotFound("user", user.ID)
	}
	user.UpdatedAt = time.Now().UTC()
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeStore) SearchUsers(_ context.Context, query string, _ repository.ListOptions) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.User
	for _, u := range f.users {
		if strings.Contains(u.Name, query) {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(a, b model.User) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (f *fakeStore) ListPairCandidates(ctx context.Context, userID, query string, opts repository.ListOptions) ([]model.User, error) {
	all, _ := f.SearchUsers(ctx, query, opts)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.User
	for _, u := range all {
		if u.ID == userID {
			continue
		}
		paired := false
		for _, r := range f.rooms {
			if r.UniqueKey == model.PairKey(userID, u.ID) {
				paired = true
			}
		}
		if !paired {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateChatroom(_ context.Context, room *model.Chatroom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.Name == room.Name {
			return apperror.ConflictMessage("name", "room name taken")
		}
		if room.UniqueKey != "" && r.UniqueKey == room.UniqueKey {
			return apperror.ConflictMessage("participants", "room already exists")
		}
	}
	if room.Capacity == 0 {
		room.Capacity = room.Kind.Capacity()
	}
	if len(room.ParticipantIDs) > room.Capacity {
		return apperror.CapacityExceeded("chatroom", room.Capacity)
	}
	room.ID = f.nextID("room")
	room.CreatedAt = time.Now().UTC()
	room.UpdatedAt = room.CreatedAt
	f.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (f *fakeStore) GetChatroomByID(_ context.Context, id string) (*model.Chatroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return nil, apperror.NotFound("chatroom", id)
	}
	return cloneRoom(r), nil
}

func (f *fakeStore) GetChatroomByName(_ context.Context, name string) (*model.Chatroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.Name == name {
			return cloneRoom(r), nil
		}
	}
	return nil, apperror.NotFoundBy("chatroom", "name", name)
}

func (f *fakeStore) UpdateChatroom(_ context.Context, room *model.Chatroom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.rooms[room.ID]
	if !ok {
		return apperror.NotFound("chatroom", room.ID)
	}
	participants := slices.Clone(stored.ParticipantIDs)
	for _, id := range room.ParticipantIDs {
		if !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}
	if len(participants) > stored.Capacity {
		return apperror.CapacityExceeded("chatroom", stored.Capacity)
	}
	stored.Name = room.Name
	stored.Avatar = room.Avatar
	stored.ParticipantIDs = participants
	stored.UpdatedAt = time.Now().UTC()
	room.ParticipantIDs = slices.Clone(participants)
	room.UpdatedAt = stored.UpdatedAt
	return nil
}

func (f *fakeStore) DeleteChatroom(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[id]; !ok {
		return apperror.NotFound("chatroom", id)
	}
	delete(f.rooms, id)
	for mid, m := range f.messages {
		if m.ChatroomID == id {
			delete(f.messages, mid)
		}
	}
	return nil
}

func (f *fakeStore) ListChatroomsForUser(_ context.Context, userID string, _ repository.ListOptions) ([]model.Chatroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Chatroom
	for _, r := range f.rooms {
		if r.HasParticipant(userID) {
			out = append(out, *cloneRoom(r))
		}
	}
	return out, nil
}

func (f *fakeStore) SearchChatrooms(_ context.Context, query string, _ repository.ListOptions) ([]model.Chatroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Chatroom
	for _, r := range f.rooms {
		if strings.Contains(r.Name, query) {
			out = append(out, *cloneRoom(r))
		}
	}
	return out, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	if _, ok := f.rooms[msg.ChatroomID]; !ok {
		return apperror.ValidationFailed("chatroom", "unknown chatroom")
	}
	msg.ID = f.nextID("msg")
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt
	copied := *msg
	f.messages[msg.ID] = &copied
	f.order = append(f.order, msg.ID)
	return nil
}

func (f *fakeStore) GetMessageByID(_ context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, apperror.NotFound("message", id)
	}
	copied := *m
	return &copied, nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[msg.ID]; !ok {
		return apperror.NotFound("message", msg.ID)
	}
	msg.UpdatedAt = time.Now().UTC()
	copied := *msg
	f.messages[msg.ID] = &copied
	return nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[id]; !ok {
		return apperror.NotFound("message", id)
	}
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, chatroomID string, _ repository.ListOptions) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, id := range f.order {
		if m, ok := f.messages[id]; ok && m.ChatroomID == chatroomID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func cloneRoom(r *model.Chatroom) *model.Chatroom {
	copied := *r
	copied.ParticipantIDs = slices.Clone(r.ParticipantIDs)
	return &copied
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// services bundles every service over one shared fake store and registry.
type services struct {
	store    *fakeStore
	registry *pubsub.Registry
	auth     *AuthService
	rooms    *ChatroomService
	messages *MessageService
}

func newTestServices(t *testing.T) *services {
	t.Helper()
	logger := testLogger()
	tokens, err := auth.NewTokenService("test-secret-32-bytes-long-enough!")
	if err != nil {
		t.Fatalf("NewTokenService() error = %v", err)
	}
	store := newFakeStore()
	registry := pubsub.NewRegistry(logger)
	t.Cleanup(registry.Close)

	return &services{
		store:    store,
		registry: registry,
		auth:     NewAuthService(store, tokens, auth.NewPasswordServiceForTest(4), logger),
		rooms:    NewChatroomService(store, store, registry, logger),
		messages: NewMessageService(store, store, registry, logger),
	}
}

// register creates a user through the auth service.
func (s *services) register(t *testing.T, name string) *model.User {
	t.Helper()
	res, err := s.auth.Register(context.Background(), RegisterInput{
		Name:     name,
		Email:    name + "@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
	return res.User
}

// nextEvent waits briefly for one event on stream.
func nextEvent(t *testing.T, stream *pubsub.Stream) pubsub.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("stream.Next() error = %v", err)
	}
	return ev
}

// assertNoEvent fails if stream yields anything within a short window.
func assertNoEvent(t *testing.T, stream *pubsub.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, err := stream.Next(ctx); err == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
}
