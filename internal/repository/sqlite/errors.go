package sqlite

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/messenger/internal/apperror"
)

// constraintError translates a SQLite constraint violation into an AppError.
// It returns nil for anything that is not a constraint violation, so callers
// fall through to their own wrapping.
//
// The store is the authority on uniqueness: services pre-check for friendlier
// messages, but two racing inserts are only caught here.
func constraintError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return nil
	}

	msg := se.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return uniqueConflict(msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return apperror.ValidationFailed("participants", "referenced user or chatroom does not exist")
	}
	return nil
}

func uniqueConflict(msg string) error {
	switch {
	case strings.Contains(msg, "users.name"):
		return apperror.ConflictMessage("name", "a user with this name already exists")
	case strings.Contains(msg, "users.email"):
		return apperror.ConflictMessage("email", "a user with this email already exists")
	case strings.Contains(msg, "chatrooms.name"):
		return apperror.ConflictMessage("name", "a chatroom with this name already exists")
	case strings.Contains(msg, "chatrooms.unique_key"):
		return apperror.ConflictMessage("participants", "this chatroom already exists")
	case strings.Contains(msg, "chatroom_participants"):
		return apperror.ConflictMessage("participants", "user is already a participant")
	}
	return apperror.ConflictMessage("", "record already exists")
}
