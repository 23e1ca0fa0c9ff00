package pubsub

import "fmt"

// Lifecycle is the kind of chatroom change a per-user topic carries.
type Lifecycle string

const (
	ChatroomCreated Lifecycle = "chatroom-created"
	ChatroomUpdated Lifecycle = "chatroom-updated"
	ChatroomDeleted Lifecycle = "chatroom-deleted"
)

// Valid reports whether l is one of the known lifecycle kinds.
func (l Lifecycle) Valid() bool {
	switch l {
	case ChatroomCreated, ChatroomUpdated, ChatroomDeleted:
		return true
	}
	return false
}

// MessageTopic is the topic new messages for a room are published on.
func MessageTopic(roomName string) string {
	return "messages:" + roomName
}

// LifecycleTopic is the per-user topic for one kind of chatroom change.
func LifecycleTopic(kind Lifecycle, userID string) string {
	return fmt.Sprintf("%s:%s", kind, userID)
}
