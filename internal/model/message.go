package model

import "time"

// Message is a text message posted to a chatroom.
//
// IsChat and IsFavorite mirror the kind of the chatroom at the time the message
// was written; they are recomputed on every write and never taken from input.
// ChatroomID and AuthorID never change after creation.
type Message struct {
	ID         string    `json:"id"`
	ChatroomID string    `json:"chatroomId"`
	AuthorID   string    `json:"authorId"`
	Text       string    `json:"text"`
	IsChat     bool      `json:"isChat"`
	IsFavorite bool      `json:"isFavorite"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
