package auth

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Cookie names shared with the browser client.
const (
	AccessCookie  = "access-token"
	RefreshCookie = "refresh-token"
)

// CookieConfig controls the attributes of the token cookies.
type CookieConfig struct {
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenCookies builds the Set-Cookie values for a token pair.
//
// COOKIE-BASED TOKEN STORAGE:
// Both tokens live in HttpOnly cookies rather than localStorage. HttpOnly
// means JavaScript cannot read them, so an XSS bug cannot exfiltrate a session.
// SameSite=Lax keeps them off cross-site POSTs.
func (c CookieConfig) TokenCookies(tokens IssuedTokens) []*http.Cookie {
	return []*http.Cookie{
		c.cookie(AccessCookie, tokens.AccessToken, c.AccessTTL),
		c.cookie(RefreshCookie, tokens.RefreshToken, c.RefreshTTL),
	}
}

// ExpiredCookies builds Set-Cookie values that delete both token cookies.
func (c CookieConfig) ExpiredCookies() []*http.Cookie {
	access := c.cookie(AccessCookie, "", 0)
	refresh := c.cookie(RefreshCookie, "", 0)
	access.MaxAge, refresh.MaxAge = -1, -1
	access.Expires, refresh.Expires = time.Unix(0, 0), time.Unix(0, 0)
	return []*http.Cookie{access, refresh}
}

func (c CookieConfig) cookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetTokenCookies writes both token cookies onto w.
func (c CookieConfig) SetTokenCookies(w http.ResponseWriter, tokens IssuedTokens) {
	for _, cookie := range c.TokenCookies(tokens) {
		http.SetCookie(w, cookie)
	}
}

// ClearTokenCookies deletes both token cookies on the client.
func (c CookieConfig) ClearTokenCookies(w http.ResponseWriter) {
	for _, cookie := range c.ExpiredCookies() {
		http.SetCookie(w, cookie)
	}
}

// Session is a middleware that builds the request Scope from the token cookies.
//
// It never rejects a request on its own: whether a route needs a user is the
// Gate's decision. What it does own is the response side of a silent refresh.
// If anything during the request resolved the Scope through a refresh token,
// the fresh cookies are written just before the first header or body byte.
//
// MIDDLEWARE PATTERN IN GO:
// A middleware is a function that takes an http.Handler and returns a new
// http.Handler that wraps it. Chi applies them in a chain:
// req → M1 → M2 → Handler → M2 → M1 → resp
func Session(cookies CookieConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := NewScope(cookieValue(r, AccessCookie), cookieValue(r, RefreshCookie))
			sw := &sessionWriter{ResponseWriter: w, scope: scope, cookies: cookies}
			next.ServeHTTP(sw, r.WithContext(WithScope(r.Context(), scope)))
		})
	}
}

// RequireUser resolves the caller through the Gate for operation and stores the
// identity in the request context. Anonymous callers of non-exempt operations
// are answered by onError (normally the handler package's error writer).
func RequireUser(gate *Gate, operation string, onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := gate.Resolve(r.Context(), ScopeFromContext(r.Context()), operation)
			if err != nil {
				onError(w, err)
				return
			}
			ctx := r.Context()
			if id != nil {
				ctx = WithIdentity(ctx, id)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		// http.ErrNoCookie means the cookie isn't present, which is just anonymous
		return ""
	}
	return c.Value
}

// sessionWriter flushes staged cookies before the response is committed.
type sessionWriter struct {
	http.ResponseWriter
	scope   *Scope
	cookies CookieConfig
	once    sync.Once
}

func (w *sessionWriter) commit() {
	w.once.Do(func() {
		if tokens := w.scope.TakeIssued(); tokens != nil {
			w.cookies.SetTokenCookies(w.ResponseWriter, *tokens)
		}
	})
}

func (w *sessionWriter) WriteHeader(code int) {
	w.commit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Flush() {
	w.commit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through. The upgrade handler is responsible
// for putting staged cookies into the handshake response itself.
func (w *sessionWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("auth: underlying ResponseWriter does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("auth: hijacking connection: %w", err)
	}
	return conn, rw, nil
}

func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
