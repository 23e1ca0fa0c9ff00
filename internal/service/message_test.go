package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/pubsub"
	"github.com/sakif/messenger/internal/repository"
)

// TestPairChat_EndToEnd registers two users, opens a pair chat, and checks
// that a message from one reaches the other's subscription exactly once.
func TestPairChat_EndToEnd(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	bobby := s.register(t, "bobby")

	room, err := s.rooms.CreatePairChat(ctx, alice.ID, bobby.ID)
	require.NoError(t, err)

	stream, err := s.messages.Subscribe(ctx, alice.ID, []string{room.Name})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	sent, err := s.messages.Send(ctx, bobby.ID, room.Name, "hi alice")
	require.NoError(t, err)
	assert.True(t, sent.IsChat)
	assert.False(t, sent.IsFavorite)

	ev := nextEvent(t, stream)
	assert.Equal(t, EventMessageCreated, ev.Kind)
	assert.Equal(t, pubsub.MessageTopic(room.Name), ev.Topic)
	msg, ok := ev.Payload.(model.Message)
	require.True(t, ok, "payload is a message, got %T", ev.Payload)
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, bobby.ID, msg.AuthorID)
	assert.Equal(t, "hi alice", msg.Text)

	assertNoEvent(t, stream)
}

func TestSend_Flags(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")

	room, err := s.rooms.CreateRoom(ctx, alice.ID, "lobby", nil)
	require.NoError(t, err)
	fav, err := s.rooms.CreateFavorites(ctx, alice.ID)
	require.NoError(t, err)

	inRoom, err := s.messages.Send(ctx, alice.ID, room.Name, "hello")
	require.NoError(t, err)
	assert.False(t, inRoom.IsChat)
	assert.False(t, inRoom.IsFavorite)

	inFav, err := s.messages.Send(ctx, alice.ID, fav.Name, "remember this")
	require.NoError(t, err)
	assert.False(t, inFav.IsChat)
	assert.True(t, inFav.IsFavorite)
}

func TestSend_Errors(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	carol := s.register(t, "carol")
	room, err := s.rooms.CreateRoom(ctx, alice.ID, "lobby", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		author string
		room   string
		text   string
		want   error
	}{
		{"unknown room", alice.ID, "nowhere", "hi", apperror.ErrNotFound},
		{"not a participant", carol.ID, room.Name, "hi", apperror.ErrForbidden},
		{"empty text", alice.ID, room.Name, "   ", apperror.ErrValidation},
		{"too long", alice.ID, room.Name, strings.Repeat("x", MaxMessageLength+1), apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.messages.Send(ctx, tt.author, tt.room, tt.text)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSend_StoreFailurePublishesNothing(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	room, err := s.rooms.CreateRoom(ctx, alice.ID, "lobby", nil)
	require.NoError(t, err)

	stream, err := s.messages.Subscribe(ctx, alice.ID, []string{room.Name})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	dbErr := errors.New("disk full")
	s.store.createMessageErr = dbErr

	_, err = s.messages.Send(ctx, alice.ID, room.Name, "lost")
	require.ErrorIs(t, err, dbErr)
	assertNoEvent(t, stream)
}

func TestEditAndDelete_AuthorOnly(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	bobby := s.register(t, "bobby")
	room, err := s.rooms.CreateRoom(ctx, alice.ID, "lobby", []string{bobby.ID})
	require.NoError(t, err)

	msg, err := s.messages.Send(ctx, alice.ID, room.Name, "first")
	require.NoError(t, err)

	stream, err := s.messages.Subscribe(ctx, bobby.ID, []string{room.Name})
	require.NoError(t, err)
	t.Cleanup(stream.Close)

	_, err = s.messages.Edit(ctx, bobby.ID, msg.ID, "hijacked")
	assert.ErrorIs(t, err, apperror.ErrForbidden)
	assert.ErrorIs(t, s.messages.Delete(ctx, bobby.ID, msg.ID), apperror.ErrForbidden)
	assertNoEvent(t, stream)

	edited, err := s.messages.Edit(ctx, alice.ID, msg.ID, "first, edited")
	require.NoError(t, err)
	assert.Equal(t, "first, edited", edited.Text)
	ev := nextEvent(t, stream)
	assert.Equal(t, EventMessageUpdated, ev.Kind)

	require.NoError(t, s.messages.Delete(ctx, alice.ID, msg.ID))
	ev = nextEvent(t, stream)
	assert.Equal(t, EventMessageDeleted, ev.Kind)

	_, err = s.messages.Edit(ctx, alice.ID, msg.ID, "again")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestList(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	carol := s.register(t, "carol")
	room, err := s.rooms.CreateRoom(ctx, alice.ID, "lobby", nil)
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.messages.Send(ctx, alice.ID, room.Name, text)
		require.NoError(t, err)
	}

	msgs, err := s.messages.List(ctx, alice.ID, room.Name, repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Text)

	_, err = s.messages.List(ctx, carol.ID, room.Name, repository.ListOptions{})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestSubscribe_AllOrNothing(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	carol := s.register(t, "carol")
	mine, err := s.rooms.CreateRoom(ctx, alice.ID, "mine", nil)
	require.NoError(t, err)
	theirs, err := s.rooms.CreateRoom(ctx, carol.ID, "theirs", nil)
	require.NoError(t, err)

	_, err = s.messages.Subscribe(ctx, alice.ID, []string{mine.Name, theirs.Name})
	require.ErrorIs(t, err, apperror.ErrForbidden)
	assert.Zero(t, s.registry.Subscribers(pubsub.MessageTopic(mine.Name)), "no topic left behind")

	_, err = s.messages.Subscribe(ctx, alice.ID, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestSubscribe_MultipleRooms(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	one, err := s.rooms.CreateRoom(ctx, alice.ID, "one", nil)
	require.NoError(t, err)
	two, err := s.rooms.CreateRoom(ctx, alice.ID, "two", nil)
	require.NoError(t, err)

	stream, err := s.messages.Subscribe(ctx, alice.ID, []string{one.Name, two.Name, one.Name})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pubsub.MessageTopic("one"), pubsub.MessageTopic("two")}, stream.Topics())

	_, err = s.messages.Send(ctx, alice.ID, two.Name, "to two")
	require.NoError(t, err)
	ev := nextEvent(t, stream)
	assert.Equal(t, pubsub.MessageTopic("two"), ev.Topic)

	stream.Close()
	assert.Zero(t, s.registry.Subscribers(pubsub.MessageTopic("one")), "closing the stream unsubscribes")
}
