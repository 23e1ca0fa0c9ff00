package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/pubsub"
	"github.com/sakif/messenger/internal/repository"
)

const MaxMessageLength = 4000

// Event kinds published on a room's message topic.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"

	// EventRoomRenamed is the last event on a room's old message topic.
	EventRoomRenamed = "chatroom.renamed"
)

// MessageService validates, stores and routes chat messages.
//
// PERSIST, THEN PUBLISH:
// A message is published to "messages:{room name}" only after the store has
// accepted it. A failed write produces no event and is returned to the caller
// as is; retrying is the client's decision.
type MessageService struct {
	messages repository.MessageRepository
	rooms    repository.ChatroomRepository
	registry *pubsub.Registry
	logger   *slog.Logger
}

func NewMessageService(
	messages repository.MessageRepository,
	rooms repository.ChatroomRepository,
	registry *pubsub.Registry,
	logger *slog.Logger,
) *MessageService {
	return &MessageService{
		messages: messages,
		rooms:    rooms,
		registry: registry,
		logger:   logger,
	}
}

// Send posts text to the room called roomName on behalf of authorID.
func (s *MessageService) Send(ctx context.Context, authorID, roomName, text string) (*model.Message, error) {
	room, err := s.rooms.GetChatroomByName(ctx, roomName)
	if err != nil {
		return nil, fmt.Errorf("resolving chatroom %q: %w", roomName, err)
	}
	if !room.HasParticipant(authorID) {
		return nil, apperror.Forbidden("you are not a participant of this chatroom")
	}

	text, err = validateMessageText(text)
	if err != nil {
		return nil, err
	}

	isChat, isFavorite := room.Kind.MessageFlags()
	msg := &model.Message{
		ChatroomID: room.ID,
		AuthorID:   authorID,
		Text:       text,
		IsChat:     isChat,
		IsFavorite: isFavorite,
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("failed to store message",
			slog.String("chatroomID", room.ID),
			slog.String("authorID", authorID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("storing message: %w", err)
	}

	s.publish(room.Name, EventMessageCreated, *msg)
	return msg, nil
}

// Edit replaces the text of a message. Only its author may edit it; the
// message is re-read from the store before the check.
func (s *MessageService) Edit(ctx context.Context, actorID, messageID, text string) (*model.Message, error) {
	text, err := validateMessageText(text)
	if err != nil {
		return nil, err
	}

	msg, room, err := s.loadOwned(ctx, actorID, messageID, "edit")
	if err != nil {
		return nil, err
	}

	msg.Text = text
	if err := s.messages.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("updating message %s: %w", messageID, err)
	}

	s.publish(room.Name, EventMessageUpdated, *msg)
	return msg, nil
}

// Delete removes a message. Only its author may delete it.
func (s *MessageService) Delete(ctx context.Context, actorID, messageID string) error {
	msg, room, err := s.loadOwned(ctx, actorID, messageID, "delete")
	if err != nil {
		return err
	}

	if err := s.messages.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	s.publish(room.Name, EventMessageDeleted, *msg)
	return nil
}

// List returns a page of a room's history. Only participants may read it.
func (s *MessageService) List(ctx context.Context, actorID, roomName string, opts repository.ListOptions) ([]model.Message, error) {
	room, err := s.rooms.GetChatroomByName(ctx, roomName)
	if err != nil {
		return nil, fmt.Errorf("resolving chatroom %q: %w", roomName, err)
	}
	if !room.HasParticipant(actorID) {
		return nil, apperror.Forbidden("you are not a participant of this chatroom")
	}

	msgs, err := s.messages.ListMessages(ctx, room.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %q: %w", roomName, err)
	}
	return msgs, nil
}

// Subscribe opens one stream over the message topics of roomNames. Every room
// must exist and userID must participate in each; otherwise nothing is
// subscribed.
func (s *MessageService) Subscribe(ctx context.Context, userID string, roomNames []string) (*pubsub.Stream, error) {
	names := uniqueIDs(roomNames)
	if len(names) == 0 {
		return nil, apperror.ValidationFailed("room", "at least one chatroom is required")
	}

	for _, name := range names {
		room, err := s.rooms.GetChatroomByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving chatroom %q: %w", name, err)
		}
		if !room.HasParticipant(userID) {
			return nil, apperror.Forbidden(fmt.Sprintf("you are not a participant of %q", name))
		}
	}

	subs := make([]*pubsub.Subscription, 0, len(names))
	for _, name := range names {
		sub, err := s.registry.Subscribe(pubsub.MessageTopic(name))
		if err != nil {
			for _, opened := range subs {
				opened.Close()
			}
			return nil, fmt.Errorf("subscribing to %q: %w", name, err)
		}
		subs = append(subs, sub)
	}

	s.logger.Debug("message subscription opened",
		slog.String("userID", userID),
		slog.Any("rooms", names),
	)
	return pubsub.NewStream(ctx, subs...), nil
}

// loadOwned fetches a message fresh and checks that actorID wrote it.
func (s *MessageService) loadOwned(ctx context.Context, actorID, messageID, verb string) (*model.Message, *model.Chatroom, error) {
	msg, err := s.messages.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if msg.AuthorID != actorID {
		return nil, nil, apperror.Forbidden(fmt.Sprintf("only the author can %s this message", verb))
	}

	room, err := s.rooms.GetChatroomByID(ctx, msg.ChatroomID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading chatroom of message %s: %w", messageID, err)
	}
	return msg, room, nil
}

func (s *MessageService) publish(roomName, kind string, msg model.Message) {
	n := s.registry.Publish(pubsub.MessageTopic(roomName), pubsub.Event{
		Kind:    kind,
		Payload: msg,
	})
	s.logger.Debug("message event published",
		slog.String("kind", kind),
		slog.String("messageID", msg.ID),
		slog.String("room", roomName),
		slog.Int("delivered", n),
	)
}

func validateMessageText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperror.ValidationFailed("text", "message text is required")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", apperror.ValidationFailed("text",
			fmt.Sprintf("message text must be %d characters or less", MaxMessageLength))
	}
	return text, nil
}
