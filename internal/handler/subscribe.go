package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/messenger/internal/auth"
	"github.com/sakif/messenger/internal/pubsub"
	"github.com/sakif/messenger/internal/service"
)

// Websocket timing. Pings go out more often than the peer's pong deadline.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096
)

// SubscriptionHandler turns subscription streams into websocket connections.
//
// CONNECTION LIFECYCLE:
//  1. The Gate has already resolved the caller (RequireUser), possibly through
//     a silent refresh whose cookies are still staged on the Scope.
//  2. The stream is opened BEFORE the upgrade, so "not found" and "forbidden"
//     come back as normal JSON errors instead of a dead socket.
//  3. The upgrade response carries any staged cookies.
//  4. Two pumps run in an errgroup. The read pump only watches for the client
//     going away (and answers pongs); the write pump forwards events as JSON
//     text frames and pings the client while idle.
//  5. Whichever pump stops first cancels the other; the stream is closed and
//     every topic handle is unsubscribed.
type SubscriptionHandler struct {
	rooms    *service.ChatroomService
	messages *service.MessageService
	cookies  auth.CookieConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSubscriptionHandler(
	rooms *service.ChatroomService,
	messages *service.MessageService,
	cookies auth.CookieConfig,
	logger *slog.Logger,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		rooms:    rooms,
		messages: messages,
		cookies:  cookies,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   logger,
	}
}

// HandleMessages streams new, edited and deleted messages of the given rooms.
//
// HTTP: GET /ws/messages?room=lobby&room=alice+%26+bobby (websocket)
func (h *SubscriptionHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, func(ctx context.Context, userID string) (*pubsub.Stream, error) {
		return h.messages.Subscribe(ctx, userID, r.URL.Query()["room"])
	})
}

// HandleLifecycle streams one kind of chatroom change addressed to the caller.
//
// HTTP: GET /ws/chatrooms/{kind} (websocket), kind ∈ created | updated | deleted
func (h *SubscriptionHandler) HandleLifecycle(w http.ResponseWriter, r *http.Request) {
	kind := pubsub.Lifecycle("chatroom-" + chi.URLParam(r, "kind"))
	h.serve(w, r, func(ctx context.Context, userID string) (*pubsub.Stream, error) {
		return h.rooms.SubscribeLifecycle(ctx, userID, kind)
	})
}

func (h *SubscriptionHandler) serve(
	w http.ResponseWriter,
	r *http.Request,
	open func(ctx context.Context, userID string) (*pubsub.Stream, error),
) {
	userID, err := callerID(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := open(ctx, userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer stream.Close()

	// Cookies staged by a silent refresh must ride on the handshake response;
	// after the upgrade there is no HTTP response left to carry them. If the
	// handshake is refused they go out on the error response instead.
	var issued *auth.IssuedTokens
	if scope := auth.ScopeFromContext(r.Context()); scope != nil {
		issued = scope.TakeIssued()
	}
	header := http.Header{}
	if issued != nil {
		for _, c := range h.cookies.TokenCookies(*issued) {
			header.Add("Set-Cookie", c.String())
		}
	}

	upgrader := h.upgrader
	upgrader.Error = func(w http.ResponseWriter, _ *http.Request, status int, reason error) {
		if issued != nil {
			h.cookies.SetTokenCookies(w, *issued)
		}
		writeJSON(w, status, ErrorResponse{Error: "upgrade_failed", Message: reason.Error()})
	}

	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		// The Error hook has already answered the client.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.logger.Info("subscriber connected",
		slog.String("userID", userID),
		slog.Any("topics", stream.Topics()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readPump(conn) })
	g.Go(func() error { return writePump(gctx, conn, stream) })
	err = g.Wait()

	h.logger.Info("subscriber disconnected",
		slog.String("userID", userID),
		slog.String("reason", disconnectReason(err)),
	)
}

// readPump discards client frames and keeps the read deadline alive on pong.
// It returns when the connection fails, which is how a disconnect is noticed.
func readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// writePump forwards events until the stream ends or ctx is cancelled. It
// closes the connection on the way out so a blocked readPump returns too.
func writePump(ctx context.Context, conn *websocket.Conn, stream *pubsub.Stream) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev := <-stream.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-stream.Done():
			// Dropped as too slow, or the registry shut down.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
				time.Now().Add(writeWait))
			return pubsub.ErrSubscriptionClosed
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		}
	}
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, pubsub.ErrSubscriptionClosed):
		return "subscription ended"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
