package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/nonomal/ourboard/internal/middleware"
	"github.com/nonomal/ourboard/internal/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against WS_BASE_URL before exposing publicly
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketHandler upgrades board socket connections and runs their pumps.
type WebSocketHandler struct {
	manager *session.Manager
}

func NewWebSocketHandler(manager *session.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// HandleBoardConnection serves /ws/board/{id}. The path pins which board the
// connection may join; joins for other boards get a redirect denial.
func (h *WebSocketHandler) HandleBoardConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boardID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("board.id", boardID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	s := h.manager.StartSession(boardID)

	// Separate read and write goroutines prevent a slow reader from blocking
	// writes and vice versa.
	go h.writePump(s, conn)
	go h.readPump(s, conn)
}

// readPump reads frames from the connection and feeds them to the session
// manager. A frame the protocol layer rejects closes the connection: a
// malformed payload leaves no safe way to continue the conversation.
func (h *WebSocketHandler) readPump(s *session.UserSession, conn *websocket.Conn) {
	defer func() {
		h.manager.EndSession(s)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on session %s: %v", s.SessionID(), err)
			}
			return
		}

		msgCtx, span := middleware.StartSpan(context.Background(), "WebSocket.ProcessMessage",
			attribute.String("session.id", s.SessionID()),
			attribute.Int("message.size", len(message)),
		)
		err = h.manager.HandleMessage(msgCtx, s, message)
		if err != nil {
			log.Printf("Dropping session %s: %v", s.SessionID(), err)
			middleware.AddSpanError(msgCtx, err)
			span.End()
			return
		}
		span.End()
	}
}

// writePump drains the session's outbound queue onto the connection and keeps
// the connection alive with pings.
func (h *WebSocketHandler) writePump(s *session.UserSession, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-s.Done():
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
