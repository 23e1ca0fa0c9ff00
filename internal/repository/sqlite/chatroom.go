package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/repository"
)

var _ repository.ChatroomRepository = (*DB)(nil)

const chatroomColumns = `id, kind, name, avatar, capacity, unique_key, created_at, updated_at`

// CreateChatroom inserts the room and its participants in one transaction.
//
// Capacity defaults to the kind's capacity. A duplicate name or unique key
// (an existing pair chat or favorites room) returns apperror.ErrConflict and
// nothing is written.
func (db *DB) CreateChatroom(ctx context.Context, room *model.Chatroom) error {
	if room.Capacity == 0 {
		room.Capacity = room.Kind.Capacity()
	}
	participants := dedupe(room.ParticipantIDs)
	if len(participants) > room.Capacity {
		return apperror.CapacityExceeded("chatroom", room.Capacity)
	}

	now := time.Now().UTC()
	room.ID = xid.New().String()
	room.CreatedAt = now
	room.UpdatedAt = now
	room.ParticipantIDs = participants

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chatrooms (id, kind, name, avatar, capacity, unique_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			room.ID,
			string(room.Kind),
			room.Name,
			room.Avatar,
			room.Capacity,
			nullString(room.UniqueKey),
			room.CreatedAt,
			room.UpdatedAt,
		)
		if err != nil {
			if cerr := constraintError(err); cerr != nil {
				return cerr
			}
			return fmt.Errorf("sqlite: inserting chatroom %q: %w", room.Name, err)
		}

		return insertParticipants(ctx, tx, room.ID, participants, 0)
	})
	if err != nil {
		room.ID = ""
		return err
	}
	return nil
}

// GetChatroomByID retrieves a chatroom with its participants.
func (db *DB) GetChatroomByID(ctx context.Context, id string) (*model.Chatroom, error) {
	return getChatroomBy(ctx, db.conn, "id", id)
}

// GetChatroomByName retrieves a chatroom by its unique name.
func (db *DB) GetChatroomByName(ctx context.Context, name string) (*model.Chatroom, error) {
	return getChatroomBy(ctx, db.conn, "name", name)
}

func getChatroomBy(ctx context.Context, q querier, column, value string) (*model.Chatroom, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+chatroomColumns+` FROM chatrooms WHERE `+column+` = ?`,
		value,
	)
	room, err := scanChatroom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if column == "id" {
				return nil, apperror.NotFound("chatroom", value)
			}
			return nil, apperror.NotFoundBy("chatroom", column, value)
		}
		return nil, fmt.Errorf("sqlite: getting chatroom by %s: %w", column, err)
	}

	room.ParticipantIDs, err = participantsOf(ctx, q, room.ID)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// UpdateChatroom writes name and avatar and appends new participants.
//
// The capacity check runs inside the transaction against the stored
// participant count, so two concurrent additions cannot overfill a room.
// On success room.ParticipantIDs holds the full stored list.
func (db *DB) UpdateChatroom(ctx context.Context, room *model.Chatroom) error {
	updatedAt := time.Now().UTC()

	var participants []string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE chatrooms SET name = ?, avatar = ?, updated_at = ? WHERE id = ?`,
			room.Name,
			room.Avatar,
			updatedAt,
			room.ID,
		)
		if err != nil {
			if cerr := constraintError(err); cerr != nil {
				return cerr
			}
			return fmt.Errorf("sqlite: updating chatroom %s: %w", room.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: checking rows affected: %w", err)
		}
		if n == 0 {
			return apperror.NotFound("chatroom", room.ID)
		}

		var capacity int
		if err := tx.QueryRowContext(ctx,
			`SELECT capacity FROM chatrooms WHERE id = ?`, room.ID,
		).Scan(&capacity); err != nil {
			return fmt.Errorf("sqlite: reading chatroom capacity: %w", err)
		}

		current, err := participantsOf(ctx, tx, room.ID)
		if err != nil {
			return err
		}

		var added []string
		for _, id := range dedupe(room.ParticipantIDs) {
			if !slices.Contains(current, id) {
				added = append(added, id)
			}
		}
		if len(current)+len(added) > capacity {
			return apperror.CapacityExceeded("chatroom", capacity)
		}

		if err := insertParticipants(ctx, tx, room.ID, added, len(current)); err != nil {
			return err
		}
		participants = append(current, added...)
		return nil
	})
	if err != nil {
		return err
	}

	room.UpdatedAt = updatedAt
	room.ParticipantIDs = participants
	return nil
}

// DeleteChatroom removes the room. Participant rows and messages go with it,
// explicitly and through ON DELETE CASCADE.
func (db *DB) DeleteChatroom(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chatroom_id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: deleting messages of chatroom %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chatroom_participants WHERE chatroom_id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: deleting participants of chatroom %s: %w", id, err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM chatrooms WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: deleting chatroom %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: checking rows affected: %w", err)
		}
		if n == 0 {
			return apperror.NotFound("chatroom", id)
		}
		return nil
	})
}

// ListChatroomsForUser returns the rooms userID participates in, most recently
// updated first.
func (db *DB) ListChatroomsForUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Chatroom, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT c.id, c.kind, c.name, c.avatar, c.capacity, c.unique_key, c.created_at, c.updated_at
		 FROM chatrooms c
		 JOIN chatroom_participants p ON p.chatroom_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing chatrooms for %s: %w", userID, err)
	}
	return db.collectChatrooms(ctx, rows, opts.Limit)
}

// SearchChatrooms returns rooms whose name contains query, ordered by name.
func (db *DB) SearchChatrooms(ctx context.Context, query string, opts repository.ListOptions) ([]model.Chatroom, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+chatroomColumns+` FROM chatrooms
		 WHERE name LIKE ? ESCAPE '\'
		 ORDER BY name
		 LIMIT ? OFFSET ?`,
		likePattern(query), opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: searching chatrooms: %w", err)
	}
	return db.collectChatrooms(ctx, rows, opts.Limit)
}

// collectChatrooms scans rooms, closes rows, then loads every room's
// participants with a single query.
func (db *DB) collectChatrooms(ctx context.Context, rows *sql.Rows, capacity int) ([]model.Chatroom, error) {
	rooms := make([]model.Chatroom, 0, capacity)
	for rows.Next() {
		room, err := scanChatroom(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scanning chatroom row: %w", err)
		}
		rooms = append(rooms, *room)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: iterating chatroom rows: %w", err)
	}
	// Release the connection before the next query; ":memory:" has only one.
	rows.Close()

	if len(rooms) == 0 {
		return rooms, nil
	}

	ids := make([]any, len(rooms))
	index := make(map[string]int, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
		index[r.ID] = i
		rooms[i].ParticipantIDs = []string{}
	}

	prow, err := db.conn.QueryContext(ctx,
		`SELECT chatroom_id, user_id FROM chatroom_participants
		 WHERE chatroom_id IN (`+placeholders(len(ids))+`)
		 ORDER BY chatroom_id, position`,
		ids...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading participants: %w", err)
	}
	defer prow.Close()

	for prow.Next() {
		var roomID, userID string
		if err := prow.Scan(&roomID, &userID); err != nil {
			return nil, fmt.Errorf("sqlite: scanning participant row: %w", err)
		}
		i := index[roomID]
		rooms[i].ParticipantIDs = append(rooms[i].ParticipantIDs, userID)
	}
	if err := prow.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating participant rows: %w", err)
	}
	return rooms, nil
}

func scanChatroom(s scanner) (*model.Chatroom, error) {
	var (
		room      model.Chatroom
		kind      string
		uniqueKey sql.NullString
	)
	if err := s.Scan(
		&room.ID,
		&kind,
		&room.Name,
		&room.Avatar,
		&room.Capacity,
		&uniqueKey,
		&room.CreatedAt,
		&room.UpdatedAt,
	); err != nil {
		return nil, err
	}
	room.Kind = model.ChatroomKind(kind)
	room.UniqueKey = uniqueKey.String
	return &room, nil
}

func participantsOf(ctx context.Context, q querier, roomID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM chatroom_participants WHERE chatroom_id = ? ORDER BY position`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading participants of %s: %w", roomID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating participants: %w", err)
	}
	return ids, nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, roomID string, userIDs []string, start int) error {
	for i, userID := range userIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chatroom_participants (chatroom_id, user_id, position) VALUES (?, ?, ?)`,
			roomID, userID, start+i,
		)
		if err != nil {
			if cerr := constraintError(err); cerr != nil {
				return cerr
			}
			return fmt.Errorf("sqlite: adding participant %s to %s: %w", userID, roomID, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
