package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/messenger/internal/service"
)

// ChatroomHandler exposes chatroom creation, changes and queries.
type ChatroomHandler struct {
	rooms  *service.ChatroomService
	logger *slog.Logger
}

func NewChatroomHandler(rooms *service.ChatroomService, logger *slog.Logger) *ChatroomHandler {
	return &ChatroomHandler{rooms: rooms, logger: logger}
}

type createRoomRequest struct {
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"`
}

type createPairRequest struct {
	PeerID string `json:"peerId"`
}

type updateRoomRequest struct {
	Name            *string  `json:"name"`
	Avatar          *string  `json:"avatar"`
	AddParticipants []string `json:"addParticipants"`
}

// HandleCreate creates a group room owned by the caller.
//
// HTTP: POST /api/chatrooms
// REQUEST BODY: {"name": "lobby", "participantIds": ["..."]}
func (h *ChatroomHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	room, err := h.rooms.CreateRoom(r.Context(), userID, req.Name, req.ParticipantIDs)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// HandleCreatePair opens the 1:1 chat between the caller and peerId.
//
// HTTP: POST /api/chatrooms/pair
func (h *ChatroomHandler) HandleCreatePair(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req createPairRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	room, err := h.rooms.CreatePairChat(r.Context(), userID, req.PeerID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// HandleCreateFavorites creates the caller's favorites room.
//
// HTTP: POST /api/chatrooms/favorites
func (h *ChatroomHandler) HandleCreateFavorites(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	room, err := h.rooms.CreateFavorites(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// HandleList returns the caller's chatrooms.
//
// HTTP: GET /api/chatrooms?limit=&offset=
func (h *ChatroomHandler) HandleList(w http.ResponseWriter, r *http.Request) {
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

	rooms, err := h.rooms.ListForUser(r.Context(), userID, opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rooms))
}

// HandleSearch returns chatrooms whose name contains ?q=.
//
// HTTP: GET /api/chatrooms/search?q=go
func (h *ChatroomHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	rooms, err := h.rooms.Search(r.Context(), r.URL.Query().Get("q"), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rooms))
}

// HandleGet returns one chatroom.
//
// HTTP: GET /api/chatrooms/{id}
func (h *ChatroomHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// HandleUpdate renames a room, changes its avatar or adds participants.
//
// HTTP: PATCH /api/chatrooms/{id}
// REQUEST BODY: {"name": "hall", "avatar": "...", "addParticipants": ["..."]}
func (h *ChatroomHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req updateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	room, err := h.rooms.Update(r.Context(), userID, chi.URLParam(r, "id"), service.RoomUpdate{
		Name:            req.Name,
		Avatar:          req.Avatar,
		AddParticipants: req.AddParticipants,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// HandleDelete removes a chatroom and its messages.
//
// HTTP: DELETE /api/chatrooms/{id}
func (h *ChatroomHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := h.rooms.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
