package auth

import (
	"context"
	"sync"
)

// Identity is the authenticated caller as seen by handlers and services.
// It is built from access-token claims, so it needs no store lookup.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Avatar string
	// Refreshed is true when the identity came from a silent refresh during
	// this request.
	Refreshed bool
}

// IssuedTokens is a pair of tokens that must be handed back to the client.
type IssuedTokens struct {
	AccessToken  string
	RefreshToken string
}

// Scope is the per-request authentication state.
//
// One Scope is built per inbound request (or websocket handshake) from the
// transport credentials. Gate.Resolve caches its result on the Scope, so a
// request that asks "who is this?" several times verifies tokens once and
// performs at most one silent refresh. Tokens minted by that refresh are staged
// here until the transport writes them out with TakeIssued.
type Scope struct {
	AccessToken  string
	RefreshToken string

	once     sync.Once
	identity *Identity
	err      error

	mu     sync.Mutex
	issued *IssuedTokens
	taken  bool
}

// NewScope returns a Scope for the given inbound credentials. Either may be empty.
func NewScope(accessToken, refreshToken string) *Scope {
	return &Scope{AccessToken: accessToken, RefreshToken: refreshToken}
}

func (s *Scope) stage(tokens IssuedTokens) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return
	}
	s.issued = &tokens
}

// TakeIssued returns the tokens staged by a silent refresh, or nil. It returns
// them at most once per Scope; later calls get nil.
func (s *Scope) TakeIssued() *IssuedTokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken || s.issued == nil {
		return nil
	}
	s.taken = true
	return s.issued
}

type contextKey string

const (
	scopeKey    contextKey = "scope"
	identityKey contextKey = "identity"
)

// WithScope attaches a Scope to ctx.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// ScopeFromContext returns the request Scope, or nil if the Session middleware
// did not run.
func ScopeFromContext(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeKey).(*Scope)
	return scope
}

// WithIdentity attaches a resolved identity to ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity stored by RequireUser.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// UserIDFromContext retrieves the authenticated user's ID from the request context.
//
// Returns ("", false) if the request is anonymous.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}
