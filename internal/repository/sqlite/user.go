package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, name, email, password_hash, avatar, created_at, updated_at`

// CreateUser inserts a new user, generating its ID and timestamps.
// A duplicate name or email returns apperror.ErrConflict.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, avatar, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.Avatar,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if cerr := constraintError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("sqlite: inserting user %q: %w", user.Name, err)
	}
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUserBy(ctx, "id", id)
}

// GetUserByEmail looks a user up by email. Emails are stored lowercased.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUserBy(ctx, "email", email)
}

func (db *DB) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	return db.getUserBy(ctx, "name", name)
}

// getUserBy is shared by the GetUserBy* lookups. column is always one of a
// fixed set of literals, never user input.
func (db *DB) getUserBy(ctx context.Context, column, value string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`,
		value,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if column == "id" {
				return nil, apperror.NotFound("user", value)
			}
			return nil, apperror.NotFoundBy("user", column, value)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", column, err)
	}
	return u, nil
}

// UpdateUser writes the mutable profile fields of user.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, password_hash = ?, avatar = ?, updated_at = ?
		 WHERE id = ?`,
		user.Name,
		user.Email,
		user.PasswordHash,
		user.Avatar,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if cerr := constraintError(err); cerr != nil {
			return cerr
		}
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("user", user.ID)
	}
	return nil
}

// SearchUsers returns users whose name contains query, ordered by name.
// An empty query matches everyone.
func (db *DB) SearchUsers(ctx context.Context, query string, opts repository.ListOptions) ([]model.User, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE name LIKE ? ESCAPE '\'
		 ORDER BY name
		 LIMIT ? OFFSET ?`,
		likePattern(query), opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: searching users: %w", err)
	}
	return collectUsers(rows, opts.Limit)
}

// ListPairCandidates returns users matching query that the caller could start
// a pair chat with: not the caller, and no existing pair room holding both.
func (db *DB) ListPairCandidates(ctx context.Context, userID, query string, opts repository.ListOptions) ([]model.User, error) {
	opts = opts.Normalize()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users u
		 WHERE u.id <> ?
		   AND u.name LIKE ? ESCAPE '\'
		   AND NOT EXISTS (
		     SELECT 1
		     FROM chatrooms c
		     JOIN chatroom_participants me   ON me.chatroom_id = c.id AND me.user_id = ?
		     JOIN chatroom_participants peer ON peer.chatroom_id = c.id AND peer.user_id = u.id
		     WHERE c.kind = ?
		   )
		 ORDER BY u.name
		 LIMIT ? OFFSET ?`,
		userID, likePattern(query), userID, string(model.KindPair), opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing pair candidates for %s: %w", userID, err)
	}
	return collectUsers(rows, opts.Limit)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var u model.User
	if err := s.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.Avatar,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows, capacity int) ([]model.User, error) {
	defer rows.Close()

	users := make([]model.User, 0, capacity)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	return users, nil
}
