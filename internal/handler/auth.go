package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/service"
)

const oauthStateCookie = "oauth_state"

// AuthHandler manages sign-up, sign-in and the token cookies.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister       → create an account, set both token cookies
//   - HandleLogin          → check credentials, set both token cookies
//   - HandleRefresh        → trade a refresh token for a new access token
//   - HandleLogout         → clear both token cookies
//   - HandleGitHubLogin    → redirect the browser to GitHub's authorization page
//   - HandleGitHubCallback → receive the code, sign the user in, set cookies
//
// Tokens never appear in response bodies. The browser holds them as HttpOnly
// cookies and sends them back on every request and websocket handshake.
type AuthHandler struct {
	auth    *service.AuthService
	github  *auth.GitHubProvider // nil when GitHub sign-in is not configured
	cookies auth.CookieConfig
	logger  *slog.Logger
}

// NewAuthHandler creates an AuthHandler. github may be nil.
func NewAuthHandler(
	authService *service.AuthService,
	github *auth.GitHubProvider,
	cookies auth.CookieConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		auth:    authService,
		github:  github,
		cookies: cookies,
		logger:  logger,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Avatar   string `json:"avatar"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// userResponse wraps the signed-in user.
type userResponse struct {
	User any `json:"user"`
}

// HandleRegister creates an account and signs it in.
//
// HTTP: POST /auth/register
// REQUEST BODY: {"name": "alice", "email": "alice@example.com", "password": "..."}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.auth.Register(r.Context(), service.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Avatar:   req.Avatar,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	h.cookies.SetTokenCookies(w, res.Tokens())
	writeJSON(w, http.StatusCreated, userResponse{User: res.User})
}

// HandleLogin signs a user in with email and password.
//
// HTTP: POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.cookies.SetTokenCookies(w, res.Tokens())
	writeJSON(w, http.StatusOK, userResponse{User: res.User})
}

// HandleRefresh issues a new access token.
//
// HTTP: POST /auth/refresh
//
// The refresh token is taken from the refresh-token cookie, or from a JSON
// body {"refreshToken": "..."} for clients that cannot send cookies. The
// same refresh token is set again; only the access token changes.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(auth.RefreshCookie); err == nil {
		token = c.Value
	}
	if token == "" && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		token = req.RefreshToken
	}
	if token == "" {
		WriteError(w, apperror.Unauthorized("refresh token is required"))
		return
	}

	res, err := h.auth.Refresh(r.Context(), token)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.cookies.SetTokenCookies(w, res.Tokens())
	writeJSON(w, http.StatusOK, userResponse{User: res.User})
}

// HandleLogout clears both token cookies.
//
// HTTP: POST /auth/logout
//
// Tokens are stateless JWTs, so "logout" means deleting the client-side
// cookies. An access token copied elsewhere stays valid until it expires.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.cookies.ClearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleGitHubLogin redirects the user to GitHub's authorization page.
//
// HTTP: GET /auth/github/login
//
// CSRF PROTECTION VIA STATE:
// A random state value is stored in a short-lived cookie and sent to GitHub.
// HandleGitHubCallback checks that GitHub hands the same value back, which
// proves the flow was started by this browser.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		WriteError(w, apperror.NotFoundBy("sign-in provider", "name", "github"))
		return
	}

	state := auth.NewState()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth flow.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a GitHub user profile
//  3. Find or create the account with that email
//  4. Set both token cookies
//  5. Redirect to the app home page
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		WriteError(w, apperror.NotFoundBy("sign-in provider", "name", "github"))
		return
	}

	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: state mismatch")
		WriteError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// The state cookie is single-use.
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for GitHub user profile ---
	code := r.URL.Query().Get("code")
	if code == "" {
		WriteError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		WriteError(w, apperror.Unauthorized("GitHub authentication failed"))
		return
	}

	// --- Step 3: Find or create the account ---
	res, err := h.auth.LoginWithGitHub(r.Context(), ghUser)
	if err != nil {
		h.logger.Error("auth callback: sign-in failed",
			slog.String("login", ghUser.Login),
			slog.String("error", err.Error()),
		)
		WriteError(w, err)
		return
	}

	// --- Step 4 and 5: Cookies, then back to the app ---
	h.cookies.SetTokenCookies(w, res.Tokens())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
