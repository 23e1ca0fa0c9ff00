package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/model"
)

// Operation names that never require authentication.
const (
	OpLogin          = "login"
	OpRegister       = "register"
	OpRefresh        = "refresh"
	OpLogout         = "logout"
	OpHealth         = "health"
	OpGitHubLogin    = "github_login"
	OpGitHubCallback = "github_callback"
)

// DefaultExempt is the allow-list used by the server.
var DefaultExempt = []string{OpLogin, OpRegister, OpRefresh, OpLogout, OpHealth, OpGitHubLogin, OpGitHubCallback}

// UserLookup is the slice of the user store the gate needs to mint a fresh
// access token during a silent refresh.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// Gate resolves the acting user of a request.
//
// STATE MACHINE (per Scope, evaluated once):
//
//	access valid                       → identity from access claims
//	access missing, refresh missing    → anonymous
//	access missing/invalid, refresh ok → silent refresh: new access token staged
//	access invalid, refresh missing    → Unauthorized
//	refresh invalid                    → Unauthorized
//
// Anonymous and failed resolutions are only errors for operations that are not
// on the exempt list.
type Gate struct {
	tokens *TokenService
	users  UserLookup
	exempt map[string]struct{}
	logger *slog.Logger
}

// NewGate creates a Gate. exempt lists operation names that may run anonymously.
func NewGate(tokens *TokenService, users UserLookup, logger *slog.Logger, exempt ...string) *Gate {
	set := make(map[string]struct{}, len(exempt))
	for _, op := range exempt {
		set[op] = struct{}{}
	}
	return &Gate{tokens: tokens, users: users, exempt: set, logger: logger}
}

// IsExempt reports whether operation may run without an identity.
func (g *Gate) IsExempt(operation string) bool {
	_, ok := g.exempt[operation]
	return ok
}

// Resolve returns the caller's identity for operation. A nil identity with a
// nil error means the caller is anonymous and the operation is exempt.
func (g *Gate) Resolve(ctx context.Context, scope *Scope, operation string) (*Identity, error) {
	if scope == nil {
		scope = &Scope{}
	}

	scope.once.Do(func() {
		scope.identity, scope.err = g.resolve(ctx, scope)
	})

	if scope.identity != nil {
		return scope.identity, nil
	}
	if g.IsExempt(operation) {
		return nil, nil
	}
	if scope.err != nil {
		return nil, scope.err
	}
	return nil, apperror.Unauthorized("authentication required")
}

func (g *Gate) resolve(ctx context.Context, scope *Scope) (*Identity, error) {
	if scope.AccessToken != "" {
		claims, err := g.tokens.VerifyAccess(scope.AccessToken)
		if err == nil {
			return &Identity{
				UserID: claims.UserID,
				Name:   claims.Name,
				Email:  claims.Email,
				Avatar: claims.Avatar,
			}, nil
		}
		g.logger.Debug("access token rejected", slog.String("error", err.Error()))
		if scope.RefreshToken == "" {
			return nil, apperror.Unauthorized("invalid or expired credentials")
		}
	}

	if scope.RefreshToken == "" {
		return nil, nil
	}
	return g.silentRefresh(ctx, scope)
}

// silentRefresh mints a new access token from the scope's refresh token and
// stages both tokens for the transport. Every failure collapses to Unauthorized.
func (g *Gate) silentRefresh(ctx context.Context, scope *Scope) (*Identity, error) {
	unauthorized := apperror.Unauthorized("invalid or expired credentials")

	claims, err := g.tokens.VerifyRefresh(scope.RefreshToken)
	if err != nil {
		g.logger.Debug("refresh token rejected", slog.String("error", err.Error()))
		return nil, unauthorized
	}

	user, err := g.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			g.logger.Error("silent refresh: loading user",
				slog.String("userID", claims.UserID),
				slog.String("error", err.Error()),
			)
		}
		return nil, unauthorized
	}

	access, err := g.tokens.IssueAccess(user)
	if err != nil {
		g.logger.Error("silent refresh: issuing access token",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, unauthorized
	}

	scope.stage(IssuedTokens{AccessToken: access, RefreshToken: scope.RefreshToken})
	scope.AccessToken = access

	g.logger.Info("access token silently refreshed", slog.String("userID", user.ID))

	return &Identity{
		UserID:    user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Avatar:    user.Avatar,
		Refreshed: true,
	}, nil
}
