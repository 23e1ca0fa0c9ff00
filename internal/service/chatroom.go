package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/pubsub"
	"github.com/sakif/messenger/internal/repository"
)

const MaxRoomNameLength = 100

// maxDerivedNameAttempts bounds the "#N" suffixes tried for a taken derived name.
const maxDerivedNameAttempts = 20

// RoomUpdate is a partial update of a chatroom. Nil fields are left alone.
type RoomUpdate struct {
	Name            *string
	Avatar          *string
	AddParticipants []string
}

// ChatroomService owns chatroom membership rules and announces every change on
// the affected users' lifecycle topics.
//
// KIND RULES (selected by switching on model.ChatroomKind):
//
//	room       named by the owner, up to 8 participants, renamable
//	pair       exactly 2 distinct users, named "{first} & {second}", one per pair
//	favorites  only the owner, one per user
//
// Plain room names may not contain the markers of derived names (" & ",
// " · favorites"), so a plain room can never block a pair or favorites room.
//
// Uniqueness of pairs and favorites rooms is enforced by the store through
// Chatroom.UniqueKey; the checks here only give better messages earlier.
type ChatroomService struct {
	rooms    repository.ChatroomRepository
	users    repository.UserRepository
	registry *pubsub.Registry
	logger   *slog.Logger
}

func NewChatroomService(
	rooms repository.ChatroomRepository,
	users repository.UserRepository,
	registry *pubsub.Registry,
	logger *slog.Logger,
) *ChatroomService {
	return &ChatroomService{
		rooms:    rooms,
		users:    users,
		registry: registry,
		logger:   logger,
	}
}

// CreateRoom creates a group room. The owner is always the first participant;
// duplicate ids are dropped.
func (s *ChatroomService) CreateRoom(ctx context.Context, ownerID, name string, participantIDs []string) (*model.Chatroom, error) {
	name, err := validateRoomName(name)
	if err != nil {
		return nil, err
	}

	participants := uniqueIDs(append([]string{ownerID}, participantIDs...))
	if len(participants) > model.KindRoom.Capacity() {
		return nil, apperror.CapacityExceeded("chatroom", model.KindRoom.Capacity())
	}
	if _, err := s.loadUsers(ctx, participants); err != nil {
		return nil, err
	}
	if err := s.ensureNameFree(ctx, name, ""); err != nil {
		return nil, err
	}

	room := &model.Chatroom{
		Kind:           model.KindRoom,
		Name:           name,
		ParticipantIDs: participants,
	}
	return s.create(ctx, room)
}

// CreatePairChat creates the 1:1 chat between ownerID and peerID. A pair is
// unordered: (a, b) and (b, a) are the same chat and the second attempt fails
// with a conflict.
func (s *ChatroomService) CreatePairChat(ctx context.Context, ownerID, peerID string) (*model.Chatroom, error) {
	if peerID == "" || peerID == ownerID {
		return nil, apperror.ValidationFailed("participants", "a pair chat needs exactly 2 distinct participants")
	}

	users, err := s.loadUsers(ctx, []string{ownerID, peerID})
	if err != nil {
		return nil, err
	}

	room := &model.Chatroom{
		Kind:           model.KindPair,
		Name:           model.PairName(users[0].Name, users[1].Name),
		ParticipantIDs: []string{ownerID, peerID},
		UniqueKey:      model.PairKey(ownerID, peerID),
	}
	return s.create(ctx, room)
}

// CreateFavorites creates the owner's personal favorites room.
func (s *ChatroomService) CreateFavorites(ctx context.Context, ownerID string) (*model.Chatroom, error) {
	users, err := s.loadUsers(ctx, []string{ownerID})
	if err != nil {
		return nil, err
	}

	room := &model.Chatroom{
		Kind:           model.KindFavorites,
		Name:           model.FavoritesName(users[0].Name),
		ParticipantIDs: []string{ownerID},
		UniqueKey:      model.FavoritesKey(ownerID),
	}
	return s.create(ctx, room)
}

func (s *ChatroomService) create(ctx context.Context, room *model.Chatroom) (*model.Chatroom, error) {
	room.Capacity = room.Kind.Capacity()

	if err := s.insert(ctx, room); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.logger.Info("chatroom create rejected",
				slog.String("kind", string(room.Kind)),
				slog.String("name", room.Name),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("creating %s chatroom: %w", room.Kind, err)
	}

	s.logger.Info("chatroom created",
		slog.String("id", room.ID),
		slog.String("kind", string(room.Kind)),
		slog.String("name", room.Name),
		slog.Int("participants", len(room.ParticipantIDs)),
	)

	s.announce(pubsub.ChatroomCreated, room, room.ParticipantIDs)
	return room, nil
}

// insert stores room. A derived name is a label, not an identity: when another
// pair or favorites room already holds it (two different user-name splits can
// produce the same "x & y & z"), the name gets a "#N" suffix. Only the
// UniqueKey decides whether the room itself already exists.
func (s *ChatroomService) insert(ctx context.Context, room *model.Chatroom) error {
	if room.Kind == model.KindRoom {
		return s.rooms.CreateChatroom(ctx, room)
	}

	base := room.Name
	for n := 2; ; n++ {
		err := s.rooms.CreateChatroom(ctx, room)
		if err == nil || !isNameConflict(err) || n > maxDerivedNameAttempts {
			return err
		}
		room.Name = model.NumberedName(base, n)
	}
}

// Update renames a room, changes its avatar and/or adds participants.
//
// Only participants may update a room. Adding participants past the room's
// capacity fails as a whole and leaves the room unchanged; ids already present
// are ignored. An update that changes nothing is not written or announced.
//
// Message topics are keyed by room name. After a rename, subscribers of the
// old topic get a final EventRoomRenamed carrying the new room and must
// resubscribe under the new name.
func (s *ChatroomService) Update(ctx context.Context, actorID, roomID string, update RoomUpdate) (*model.Chatroom, error) {
	room, err := s.rooms.GetChatroomByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("loading chatroom %s: %w", roomID, err)
	}
	if !room.HasParticipant(actorID) {
		return nil, apperror.Forbidden("only participants can change this chatroom")
	}

	oldName := room.Name
	changed := false

	if update.Name != nil && strings.TrimSpace(*update.Name) != room.Name {
		if room.Kind != model.KindRoom {
			return nil, apperror.ValidationFailed("name", fmt.Sprintf("%s chatrooms cannot be renamed", room.Kind))
		}
		name, err := validateRoomName(*update.Name)
		if err != nil {
			return nil, err
		}
		if err := s.ensureNameFree(ctx, name, room.ID); err != nil {
			return nil, err
		}
		room.Name = name
		changed = true
	}

	if update.Avatar != nil {
		if avatar := strings.TrimSpace(*update.Avatar); avatar != room.Avatar {
			room.Avatar = avatar
			changed = true
		}
	}

	var added []string
	for _, id := range uniqueIDs(update.AddParticipants) {
		if !room.HasParticipant(id) {
			added = append(added, id)
		}
	}
	if len(room.ParticipantIDs)+len(added) > room.Capacity {
		return nil, apperror.CapacityExceeded("chatroom", room.Capacity)
	}
	if _, err := s.loadUsers(ctx, added); err != nil {
		return nil, err
	}
	if len(added) > 0 {
		room.ParticipantIDs = append(room.ParticipantIDs, added...)
		changed = true
	}

	if !changed {
		return room, nil
	}

	if err := s.rooms.UpdateChatroom(ctx, room); err != nil {
		return nil, fmt.Errorf("updating chatroom %s: %w", roomID, err)
	}

	s.logger.Info("chatroom updated",
		slog.String("id", room.ID),
		slog.String("name", room.Name),
		slog.Int("added", len(added)),
	)

	if room.Name != oldName {
		s.registry.Publish(pubsub.MessageTopic(oldName), pubsub.Event{
			Kind:    EventRoomRenamed,
			Payload: *room,
		})
	}
	s.announce(pubsub.ChatroomUpdated, room, room.ParticipantIDs)
	return room, nil
}

// Delete removes a room together with its messages and tells every
// participant at delete time.
func (s *ChatroomService) Delete(ctx context.Context, actorID, roomID string) error {
	room, err := s.rooms.GetChatroomByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("loading chatroom %s: %w", roomID, err)
	}
	if !room.HasParticipant(actorID) {
		return apperror.Forbidden("only participants can delete this chatroom")
	}

	if err := s.rooms.DeleteChatroom(ctx, roomID); err != nil {
		return fmt.Errorf("deleting chatroom %s: %w", roomID, err)
	}

	s.logger.Info("chatroom deleted",
		slog.String("id", room.ID),
		slog.String("name", room.Name),
		slog.String("by", actorID),
	)

	s.announce(pubsub.ChatroomDeleted, room, room.ParticipantIDs)
	return nil
}

// Get returns a room by ID.
func (s *ChatroomService) Get(ctx context.Context, roomID string) (*model.Chatroom, error) {
	room, err := s.rooms.GetChatroomByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("getting chatroom %s: %w", roomID, err)
	}
	return room, nil
}

// ListForUser returns the rooms userID participates in.
func (s *ChatroomService) ListForUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Chatroom, error) {
	rooms, err := s.rooms.ListChatroomsForUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing chatrooms for %s: %w", userID, err)
	}
	return rooms, nil
}

// Search returns rooms whose name contains query.
func (s *ChatroomService) Search(ctx context.Context, query string, opts repository.ListOptions) ([]model.Chatroom, error) {
	rooms, err := s.rooms.SearchChatrooms(ctx, strings.TrimSpace(query), opts)
	if err != nil {
		return nil, fmt.Errorf("searching chatrooms: %w", err)
	}
	return rooms, nil
}

// SubscribeLifecycle opens a stream of one kind of chatroom change addressed
// to userID. The stream ends when ctx is done or the caller closes it.
func (s *ChatroomService) SubscribeLifecycle(ctx context.Context, userID string, kind pubsub.Lifecycle) (*pubsub.Stream, error) {
	if !kind.Valid() {
		return nil, apperror.ValidationFailed("kind", fmt.Sprintf("unknown chatroom event kind %q", kind))
	}

	sub, err := s.registry.Subscribe(pubsub.LifecycleTopic(kind, userID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s events: %w", kind, err)
	}

	s.logger.Debug("lifecycle subscription opened",
		slog.String("userID", userID),
		slog.String("kind", string(kind)),
	)
	return pubsub.NewStream(ctx, sub), nil
}

// announce publishes a snapshot of room on each user's lifecycle topic. It is
// only called after the store has committed the change.
func (s *ChatroomService) announce(kind pubsub.Lifecycle, room *model.Chatroom, userIDs []string) {
	snapshot := *room
	snapshot.ParticipantIDs = slices.Clone(room.ParticipantIDs)

	delivered := 0
	for _, id := range uniqueIDs(userIDs) {
		delivered += s.registry.Publish(pubsub.LifecycleTopic(kind, id), pubsub.Event{
			Kind:    string(kind),
			Payload: snapshot,
		})
	}

	s.logger.Debug("chatroom event published",
		slog.String("kind", string(kind)),
		slog.String("chatroomID", room.ID),
		slog.Int("delivered", delivered),
	)
}

// loadUsers fetches every id, in order. An unknown id is a validation error on
// the participants field rather than a 404 on the request as a whole.
func (s *ChatroomService) loadUsers(ctx context.Context, ids []string) ([]*model.User, error) {
	users := make([]*model.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.users.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return nil, apperror.ValidationFailed("participants", fmt.Sprintf("user %s does not exist", id))
			}
			return nil, fmt.Errorf("loading user %s: %w", id, err)
		}
		users = append(users, u)
	}
	return users, nil
}

// ensureNameFree fails with a conflict if a room other than exceptID already
// uses name.
func (s *ChatroomService) ensureNameFree(ctx context.Context, name, exceptID string) error {
	existing, err := s.rooms.GetChatroomByName(ctx, name)
	switch {
	case err == nil && existing.ID != exceptID:
		return apperror.ConflictMessage("name", fmt.Sprintf("a chatroom named %q already exists", name))
	case err == nil, errors.Is(err, apperror.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("checking chatroom name: %w", err)
	}
}

func validateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperror.ValidationFailed("name", "chatroom name is required")
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return "", apperror.ValidationFailed("name",
			fmt.Sprintf("chatroom name must be %d characters or less", MaxRoomNameLength))
	}
	if model.IsDerivedName(name) {
		return "", apperror.ValidationFailed("name",
			`chatroom names may not contain " & " or " · favorites"`)
	}
	return name, nil
}

// isNameConflict reports whether err is a uniqueness conflict on the room name
// rather than on the room's identity.
func isNameConflict(err error) bool {
	var appErr *apperror.AppError
	return errors.Is(err, apperror.ErrConflict) && errors.As(err, &appErr) && appErr.Field == "name"
}

// uniqueIDs drops empty and repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
