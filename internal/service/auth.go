// Package service holds the business rules: authentication, chatrooms and messages.
//
// AuthService sits between the HTTP handlers and the repository/auth utilities:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT), PasswordService (bcrypt)
//
// It never touches cookies. Every successful sign-in returns an AuthResult
// holding both tokens, and the handler decides how to hand them to the client.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/model"
	"github.com/sakif/messenger/internal/repository"
)

// Account field limits.
const (
	MinNameLength = 4
	MaxNameLength = 50
)

const errBadCredentials = "invalid email or password"

// AuthService handles registration, sign-in and profile changes.
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

// NewAuthService creates an AuthService with all required dependencies.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// AuthResult bundles the user record with a freshly issued token pair.
type AuthResult struct {
	User         *model.User
	AccessToken  string
	RefreshToken string
}

// Tokens returns the pair in the shape the auth middleware writes as cookies.
func (r *AuthResult) Tokens() auth.IssuedTokens {
	return auth.IssuedTokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Avatar   string
}

// ProfileUpdate is a partial profile change. Nil fields are left alone.
type ProfileUpdate struct {
	Name     *string
	Email    *string
	Password *string
	Avatar   *string
}

// Register creates an account and signs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	name, err := validateUserName(in.Name)
	if err != nil {
		return nil, err
	}
	email, err := validateEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	if err := s.ensureUnique(ctx, name, email, ""); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Avatar:       strings.TrimSpace(in.Avatar),
	}
	// The pre-check above can race with a concurrent registration; the store's
	// UNIQUE constraints have the final word and surface as ErrConflict.
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: creating user %q: %w", name, err)
	}

	s.logger.Info("user registered",
		slog.String("userID", user.ID),
		slog.String("name", user.Name),
	)

	return s.issue(user)
}

// Login checks email and password. Both an unknown email and a wrong password
// give the same Unauthorized error.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized(errBadCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up %q: %w", email, err)
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) && !errors.Is(err, auth.ErrNoPassword) {
			s.logger.Error("password verification failed",
				slog.String("userID", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperror.Unauthorized(errBadCredentials)
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))
	return s.issue(user)
}

// Refresh mints a new access token from a refresh token. The refresh token is
// returned unchanged.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.logger.Debug("refresh rejected", slog.String("error", err.Error()))
		return nil, apperror.Unauthorized("invalid or expired refresh token")
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized("invalid or expired refresh token")
		}
		return nil, fmt.Errorf("service/auth: loading user %s: %w", claims.UserID, err)
	}

	access, err := s.tokens.IssueAccess(user)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/auth: issuing access token: %w", err))
	}

	return &AuthResult{User: user, AccessToken: access, RefreshToken: refreshToken}, nil
}

// UpdateProfile applies a partial profile change and re-issues both tokens,
// since the access token carries the display fields that just changed.
func (s *AuthService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*AuthResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: loading user %s: %w", userID, err)
	}

	newName, newEmail := "", ""
	if update.Name != nil {
		name, err := validateUserName(*update.Name)
		if err != nil {
			return nil, err
		}
		if name != user.Name {
			newName = name
		}
	}
	if update.Email != nil {
		email, err := validateEmail(*update.Email)
		if err != nil {
			return nil, err
		}
		if email != user.Email {
			newEmail = email
		}
	}
	if err := s.ensureUnique(ctx, newName, newEmail, user.ID); err != nil {
		return nil, err
	}

	if newName != "" {
		user.Name = newName
	}
	if newEmail != "" {
		user.Email = newEmail
	}
	if update.Avatar != nil {
		user.Avatar = strings.TrimSpace(*update.Avatar)
	}
	if update.Password != nil {
		if err := validatePassword(*update.Password); err != nil {
			return nil, err
		}
		hash, err := s.passwords.Hash(*update.Password)
		if err != nil {
			return nil, fmt.Errorf("service/auth: hashing password: %w", err)
		}
		user.PasswordHash = hash
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: updating user %s: %w", userID, err)
	}

	s.logger.Info("profile updated", slog.String("userID", user.ID))
	return s.issue(user)
}

// LoginWithGitHub signs in the account with the GitHub user's email, creating
// one on first sign-in. Accounts created this way have no password.
func (s *AuthService) LoginWithGitHub(ctx context.Context, gh *auth.GitHubUser) (*AuthResult, error) {
	if gh == nil {
		return nil, errors.New("service/auth: GitHub user must not be nil")
	}
	email, err := validateEmail(gh.Email)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		s.logger.Info("user authenticated via GitHub",
			slog.String("userID", user.ID),
			slog.String("login", gh.Login),
		)
		return s.issue(user)
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/auth: looking up %q: %w", email, err)
	}

	name, err := s.freeName(ctx, gh.Login)
	if err != nil {
		return nil, err
	}

	user = &model.User{Name: name, Email: email, Avatar: gh.AvatarURL}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: creating GitHub user %q: %w", name, err)
	}

	s.logger.Info("user registered via GitHub",
		slog.String("userID", user.ID),
		slog.String("login", gh.Login),
	)
	return s.issue(user)
}

// GetUser returns the user for the given ID.
func (s *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user id is required")
	}
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// SearchUsers returns users whose name contains query.
func (s *AuthService) SearchUsers(ctx context.Context, query string, opts repository.ListOptions) ([]model.User, error) {
	users, err := s.users.SearchUsers(ctx, strings.TrimSpace(query), opts)
	if err != nil {
		return nil, fmt.Errorf("service/auth: searching users: %w", err)
	}
	return users, nil
}

// PairCandidates returns users matching query that userID has no pair chat with.
func (s *AuthService) PairCandidates(ctx context.Context, userID, query string, opts repository.ListOptions) ([]model.User, error) {
	users, err := s.users.ListPairCandidates(ctx, userID, strings.TrimSpace(query), opts)
	if err != nil {
		return nil, fmt.Errorf("service/auth: listing pair candidates: %w", err)
	}
	return users, nil
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	access, err := s.tokens.IssueAccess(user)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/auth: issuing access token: %w", err))
	}
	refresh, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("service/auth: issuing refresh token: %w", err))
	}
	return &AuthResult{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// ensureUnique fails with a conflict if name or email (when non-empty) belongs
// to a user other than exceptID.
func (s *AuthService) ensureUnique(ctx context.Context, name, email, exceptID string) error {
	if name != "" {
		u, err := s.users.GetUserByName(ctx, name)
		if err == nil && u.ID != exceptID {
			return apperror.ConflictMessage("name", "a user with this name already exists")
		}
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return fmt.Errorf("service/auth: checking name: %w", err)
		}
	}
	if email != "" {
		u, err := s.users.GetUserByEmail(ctx, email)
		if err == nil && u.ID != exceptID {
			return apperror.ConflictMessage("email", "a user with this email already exists")
		}
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			return fmt.Errorf("service/auth: checking email: %w", err)
		}
	}
	return nil
}

// freeName derives an unused account name from a GitHub login.
func (s *AuthService) freeName(ctx context.Context, login string) (string, error) {
	base := strings.TrimSpace(login)
	if utf8.RuneCountInString(base) < MinNameLength {
		base += "-github"
	}

	for i := 1; i <= 20; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		_, err := s.users.GetUserByName(ctx, name)
		if errors.Is(err, apperror.ErrNotFound) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("service/auth: checking name %q: %w", name, err)
		}
	}
	return "", apperror.ConflictMessage("name", fmt.Sprintf("no free account name for GitHub login %q", login))
}

func validateUserName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := utf8.RuneCountInString(name)
	if n < MinNameLength {
		return "", apperror.ValidationFailed("name",
			fmt.Sprintf("name must be at least %d characters", MinNameLength))
	}
	if n > MaxNameLength {
		return "", apperror.ValidationFailed("name",
			fmt.Sprintf("name must be %d characters or less", MaxNameLength))
	}
	return name, nil
}

// validateEmail accepts a bare address ("a@b.c") and returns it lowercased.
// A display-name form like "Bob <bob@x.io>" is rejected.
func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return "", apperror.ValidationFailed("email", "enter a valid email address")
	}
	return strings.ToLower(email), nil
}

func validatePassword(password string) error {
	if len(password) < auth.MinPasswordLength {
		return apperror.ValidationFailed("password",
			fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLength))
	}
	if len(password) > auth.MaxPasswordLength {
		return apperror.ValidationFailed("password",
			fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordLength))
	}
	return nil
}
