package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/messenger/internal/service"
)

// MessageHandler posts, edits and lists chat messages. Rooms are addressed by
// name, the same key the message topics use.
type MessageHandler struct {
	messages *service.MessageService
	logger   *slog.Logger
}

func NewMessageHandler(messages *service.MessageService, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

type messageRequest struct {
	Text string `json:"text"`
}

// HandleSend posts a message to a room.
//
// HTTP: POST /api/chatrooms/by-name/{name}/messages
// REQUEST BODY: {"text": "hello"}
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	msg, err := h.messages.Send(r.Context(), userID, chi.URLParam(r, "name"), req.Text)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleList returns a page of a room's history, oldest first.
//
// HTTP: GET /api/chatrooms/by-name/{name}/messages?limit=&offset=
func (h *MessageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
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

	msgs, err := h.messages.List(r.Context(), userID, chi.URLParam(r, "name"), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

// HandleEdit replaces a message's text. Author only.
//
// HTTP: PATCH /api/messages/{id}
func (h *MessageHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	msg, err := h.messages.Edit(r.Context(), userID, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// HandleDelete removes a message. Author only.
//
// HTTP: DELETE /api/messages/{id}
func (h *MessageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	if err := h.messages.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
