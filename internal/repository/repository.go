// Package repository declares the storage contracts the services depend on.
// The sqlite subpackage is the only implementation; services are tested
// against in-memory fakes of these interfaces.
package repository

import (
	"context"

	"github.com/sakif/messenger/internal/model"
)

// Page size limits applied by every List method.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit to [1, MaxLimit] (0 means DefaultLimit) and Offset to >= 0.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Limit > MaxLimit {
		o.Limit = MaxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// UserRepository stores user accounts. Name and email are unique; violating
// either returns an apperror.ErrConflict.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByName(ctx context.Context, name string) (*model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
	// SearchUsers returns users whose name contains query (case-insensitive).
	SearchUsers(ctx context.Context, query string, opts ListOptions) ([]model.User, error)
	// ListPairCandidates is SearchUsers minus the caller and everyone who
	// already shares a pair chat with them.
	ListPairCandidates(ctx context.Context, userID, query string, opts ListOptions) ([]model.User, error)
}

// ChatroomRepository stores chatrooms with their ordered participant lists.
//
// Name and UniqueKey are unique across all rooms. Participant inserts are
// checked against the room's capacity inside the same transaction, so the
// store never holds more participants than Capacity.
type ChatroomRepository interface {
	CreateChatroom(ctx context.Context, room *model.Chatroom) error
	GetChatroomByID(ctx context.Context, id string) (*model.Chatroom, error)
	GetChatroomByName(ctx context.Context, name string) (*model.Chatroom, error)
	// UpdateChatroom writes name and avatar and appends any participant ids
	// not already present, keeping their order.
	UpdateChatroom(ctx context.Context, room *model.Chatroom) error
	// DeleteChatroom removes the room, its participant rows and its messages.
	DeleteChatroom(ctx context.Context, id string) error
	ListChatroomsForUser(ctx context.Context, userID string, opts ListOptions) ([]model.Chatroom, error)
	SearchChatrooms(ctx context.Context, query string, opts ListOptions) ([]model.Chatroom, error)
}

// MessageRepository stores messages. Messages of a deleted chatroom are
// removed with it.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessageByID(ctx context.Context, id string) (*model.Message, error)
	UpdateMessage(ctx context.Context, msg *model.Message) error
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns a room's messages oldest first.
	ListMessages(ctx context.Context, chatroomID string, opts ListOptions) ([]model.Message, error)
}
