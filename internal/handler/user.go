package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/messenger/internal/apperror"
	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/service"
)

// UserHandler serves the caller's own profile and user lookups.
type UserHandler struct {
	auth    *service.AuthService
	cookies auth.CookieConfig
	logger  *slog.Logger
}

func NewUserHandler(authService *service.AuthService, cookies auth.CookieConfig, logger *slog.Logger) *UserHandler {
	return &UserHandler{auth: authService, cookies: cookies, logger: logger}
}

type profileRequest struct {
	Name     *string `json:"name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Avatar   *string `json:"avatar"`
}

// callerID returns the authenticated user's ID. RequireUser has already run
// on every route that calls it.
func callerID(r *http.Request) (string, error) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return "", apperror.Unauthorized("authentication required")
	}
	return id, nil
}

// HandleMe returns the currently authenticated user's profile.
//
// HTTP: GET /api/me
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	user, err := h.auth.GetUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("HandleMe: user lookup failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleUpdateMe applies a partial profile change.
//
// HTTP: PATCH /api/me
// REQUEST BODY: any of {"name", "email", "password", "avatar"}
//
// The access token carries name, email and avatar, so both token cookies are
// re-issued with the new values.
func (h *UserHandler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.auth.UpdateProfile(r.Context(), userID, service.ProfileUpdate{
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
	writeJSON(w, http.StatusOK, res.User)
}

// HandleSearch lists users whose name contains ?q=.
//
// HTTP: GET /api/users?q=ali&limit=20&offset=0
func (h *UserHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	users, err := h.auth.SearchUsers(r.Context(), r.URL.Query().Get("q"), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

// HandlePairCandidates lists users the caller has no pair chat with yet.
//
// HTTP: GET /api/users/pair-candidates?q=bo
func (h *UserHandler) HandlePairCandidates(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	users, err := h.auth.PairCandidates(r.Context(), userID, r.URL.Query().Get("q"), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
