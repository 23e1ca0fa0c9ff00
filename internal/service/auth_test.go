package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/repository"
)

func TestRegister(t *testing.T) {
	s := newTestServices(t)

	res, err := s.auth.Register(context.Background(), RegisterInput{
		Name:     "  alice ",
		Email:    "Alice@Example.com",
		Password: "password123",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.User.ID)
	assert.Equal(t, "alice", res.User.Name)
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.NotEqual(t, "password123", res.User.PasswordHash, "password must be stored hashed")
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)

	claims, err := s.auth.tokens.VerifyAccess(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Name)
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"short name", RegisterInput{Name: "bob", Email: "bob@example.com", Password: "password123"}, "name"},
		{"bad email", RegisterInput{Name: "bobby", Email: "not-an-email", Password: "password123"}, "email"},
		{"display name email", RegisterInput{Name: "bobby", Email: "Bob <bob@example.com>", Password: "password123"}, "email"},
		{"short password", RegisterInput{Name: "bobby", Email: "bob@example.com", Password: "short"}, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServices(t)
			_, err := s.auth.Register(context.Background(), tt.in)
			require.ErrorIs(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestRegister_Conflicts(t *testing.T) {
	s := newTestServices(t)
	s.register(t, "alice")

	_, err := s.auth.Register(context.Background(), RegisterInput{
		Name: "alice", Email: "other@example.com", Password: "password123",
	})
	assert.ErrorIs(t, err, apperror.ErrConflict, "duplicate name")

	_, err = s.auth.Register(context.Background(), RegisterInput{
		Name: "alice2", Email: "ALICE@example.com", Password: "password123",
	})
	assert.ErrorIs(t, err, apperror.ErrConflict, "duplicate email, case-insensitive")
}

func TestLogin(t *testing.T) {
	s := newTestServices(t)
	user := s.register(t, "alice")
	ctx := context.Background()

	res, err := s.auth.Login(ctx, "ALICE@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, user.ID, res.User.ID)

	_, wrongPass := s.auth.Login(ctx, "alice@example.com", "wrong-password")
	_, unknown := s.auth.Login(ctx, "nobody@example.com", "password123")
	require.ErrorIs(t, wrongPass, apperror.ErrUnauthorized)
	require.ErrorIs(t, unknown, apperror.ErrUnauthorized)
	assert.Equal(t, wrongPass.Error(), unknown.Error(), "both failures must look the same")
}

func TestRefresh_KeepsRefreshToken(t *testing.T) {
	s := newTestServices(t)
	s.register(t, "alice")
	ctx := context.Background()

	login, err := s.auth.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	res, err := s.auth.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, login.RefreshToken, res.RefreshToken)
	assert.NotEmpty(t, res.AccessToken)

	_, err = s.auth.Refresh(ctx, login.AccessToken)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized, "an access token is not a refresh token")
	_, err = s.auth.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestUpdateProfile(t *testing.T) {
	s := newTestServices(t)
	alice := s.register(t, "alice")
	s.register(t, "bobby")
	ctx := context.Background()

	newName := "alicia"
	newPass := "new-password-1"
	res, err := s.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{Name: &newName, Password: &newPass})
	require.NoError(t, err)
	assert.Equal(t, "alicia", res.User.Name)

	claims, err := s.auth.tokens.VerifyAccess(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alicia", claims.Name, "re-issued token carries the new name")

	_, err = s.auth.Login(ctx, "alice@example.com", "new-password-1")
	assert.NoError(t, err)

	taken := "bobby"
	_, err = s.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{Name: &taken})
	assert.ErrorIs(t, err, apperror.ErrConflict)

	same := "alicia"
	_, err = s.auth.UpdateProfile(ctx, alice.ID, ProfileUpdate{Name: &same})
	assert.NoError(t, err, "keeping your own name is not a conflict")
}

func TestLoginWithGitHub(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	existing := s.register(t, "alice")

	res, err := s.auth.LoginWithGitHub(ctx, &auth.GitHubUser{Login: "alice-gh", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, res.User.ID, "matched by email")

	res, err = s.auth.LoginWithGitHub(ctx, &auth.GitHubUser{Login: "bo", Email: "bo@example.com", AvatarURL: "https://a/b.png"})
	require.NoError(t, err)
	assert.Equal(t, "bo-github", res.User.Name, "short logins are padded")
	assert.Empty(t, res.User.PasswordHash)

	_, err = s.auth.Login(ctx, "bo@example.com", "")
	assert.ErrorIs(t, err, apperror.ErrUnauthorized, "GitHub accounts cannot log in with a password")

	res, err = s.auth.LoginWithGitHub(ctx, &auth.GitHubUser{Login: "alice", Email: "other-alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice-2", res.User.Name, "taken names get a suffix")
}

func TestPairCandidates(t *testing.T) {
	s := newTestServices(t)
	ctx := context.Background()
	alice := s.register(t, "alice")
	bobby := s.register(t, "bobby")
	s.register(t, "carol")

	_, err := s.rooms.CreatePairChat(ctx, alice.ID, bobby.ID)
	require.NoError(t, err)

	users, err := s.auth.PairCandidates(ctx, alice.ID, "", repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].Name)
}
