// Package auth provides token issuing, password hashing and the per-request
// authentication gate for the messenger API.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. register/login → server issues an access token (60 min) and a refresh
//     token (7 days), both stored in HttpOnly cookies
//  2. every request → the Session middleware builds a Scope from the cookies
//  3. handlers call Gate.Resolve, which verifies the access token or, if it is
//     missing/expired, silently mints a new one from the refresh token
//  4. a silent refresh stages new cookies on the Scope; the middleware writes
//     them before the response goes out
//
// TWO TOKEN SHAPES, ONE KEY:
// Both tokens are HS256 JWTs signed with the same secret. They are told apart by
// their audience ("access" / "refresh") and by their claim shape: an access
// token carries display fields (name, email, avatar) so handlers can show who
// is logged in without a lookup; a refresh token carries only the user id.
// Verification checks the shape, not just the signature, so one can never be
// used in place of the other.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/messenger/internal/model"
)

const (
	issuer = "messenger"

	audienceAccess  = "access"
	audienceRefresh = "refresh"

	DefaultAccessTTL  = 60 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Verification failures. Callers get exactly one of these (possibly wrapped);
// a failed verification never returns claims.
var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenSignature = errors.New("auth: token signature invalid")
	ErrTokenKind      = errors.New("auth: token has the wrong shape for this use")
)

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret key used to sign and verify tokens.
// The same secret must be used for both operations; keep it safe, rotate it
// periodically in production.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithTTLs overrides the access and refresh token lifetimes. Zero keeps the default.
func WithTTLs(access, refresh time.Duration) TokenOption {
	return func(s *TokenService) {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
	}
}

// WithClock replaces time.Now, for tests that need to step past an expiry.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	s := &TokenService{
		secret:     []byte(secret),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL is the lifetime of newly issued access tokens; handlers use it as
// the cookie MaxAge.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL is the lifetime of newly issued refresh tokens.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// claims is the wire payload shared by both token kinds. Display fields are
// omitempty so a refresh token never serialises them.
type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// AccessClaims is the verified payload of an access token.
type AccessClaims struct {
	UserID    string
	Name      string
	Email     string
	Avatar    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshClaims is the verified payload of a refresh token.
type RefreshClaims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssueAccess signs an access token for the user, embedding display fields.
func (s *TokenService) IssueAccess(user *model.User) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("auth: cannot issue access token without a user id")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{audienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			Issuer:    issuer,
		},
		UserID: user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Avatar: user.Avatar,
	}
	return s.sign(c)
}

// IssueRefresh signs a refresh token. It carries only the user id.
func (s *TokenService) IssueRefresh(userID string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: cannot issue refresh token without a user id")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{audienceRefresh},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			Issuer:    issuer,
		},
		UserID: userID,
	}
	return s.sign(c)
}

func (s *TokenService) sign(c claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *TokenService) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	c, err := s.parse(tokenStr, audienceAccess)
	if err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, ErrTokenKind
	}
	return &AccessClaims{
		UserID:    c.UserID,
		Name:      c.Name,
		Email:     c.Email,
		Avatar:    c.Avatar,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// VerifyRefresh validates a refresh token and returns its claims.
func (s *TokenService) VerifyRefresh(tokenStr string) (*RefreshClaims, error) {
	c, err := s.parse(tokenStr, audienceRefresh)
	if err != nil {
		return nil, err
	}
	if c.Name != "" || c.Email != "" || c.Avatar != "" {
		return nil, ErrTokenKind
	}
	return &RefreshClaims{
		UserID:    c.UserID,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// parse verifies signature, algorithm, issuer and expiry, then checks the
// audience and the common claim shape.
//
// ALGORITHM CONFUSION ATTACK:
// Without checking the algorithm, an attacker could send a token signed with
// "none" and the library might accept it. Passing jwt.WithValidMethods prevents this.
func (s *TokenService) parse(tokenStr, audience string) (*claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMalformed
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classify(err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}

	// Audience is checked by hand so a wrong-audience token maps to
	// ErrTokenKind rather than a generic invalid-claims error.
	if len(c.Audience) != 1 || c.Audience[0] != audience {
		return nil, ErrTokenKind
	}
	if c.UserID == "" || c.UserID != c.Subject {
		return nil, ErrTokenMalformed
	}

	return c, nil
}

// classify translates jwt library errors into the package's typed failures.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
