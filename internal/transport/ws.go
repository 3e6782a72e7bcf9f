package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/game"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS implements the WebSocket contract of spec §6: a fresh join
// via ?nick= or a reconnection via ?token=, followed by a welcome
// sequence, then a loop relaying chat frames until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("room_id")
	nick := r.URL.Query().Get("nick")
	token := r.URL.Query().Get("token")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", "error", err)
		return
	}

	var connID string
	switch {
	case token != "":
		connID, err = s.wsReconnect(r.Context(), ws, roomID, token)
	case nick != "":
		connID, err = s.wsJoin(r.Context(), ws, roomID, nick)
	default:
		err = apperr.Validation("one of nick or token is required")
	}
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	send := s.hub.Register(connID, ws)
	go s.writePump(ws, send)
	s.sendWelcome(r.Context(), roomID, connID)
	s.readLoop(ws, roomID, connID)
}

func (s *Server) wsReconnect(ctx context.Context, ws *websocket.Conn, roomID, token string) (string, error) {
	snap, _, err := s.rooms.Reconnect(ctx, token)
	if err != nil {
		return "", apperr.NotFound("unknown resume token")
	}
	if snap.RoomID != roomID {
		return "", apperr.NotFound("resume token is for a different room")
	}
	if err := s.engine.HandleReconnect(ctx, roomID, snap.ConnID, snap.Role); err != nil {
		s.log.Warn("handle reconnect", "room_id", roomID, "conn_id", snap.ConnID, "error", err)
	}
	return snap.ConnID, nil
}

func (s *Server) wsJoin(ctx context.Context, ws *websocket.Conn, roomID, nick string) (string, error) {
	if len(nick) < 1 || len(nick) > 20 {
		return "", apperr.Validation("nick must be 1-20 characters")
	}
	connID, err := game.NewConnID()
	if err != nil {
		return "", apperr.Internal(err, "mint conn id")
	}
	if _, _, err := s.rooms.JoinRoom(ctx, roomID, connID, nick); err != nil {
		return "", err
	}
	return connID, nil
}

func (s *Server) sendWelcome(ctx context.Context, roomID, connID string) {
	s.hub.SendToConn(connID, map[string]any{"type": "welcome", "room_id": roomID, "conn_id": connID})
	if lobby, err := s.rooms.GetLobby(ctx, roomID); err == nil {
		s.hub.SendToConn(connID, map[string]any{"type": "lobby_state", "room_id": roomID, "lobby": lobby})
	}
	if snapshot, err := s.engine.GetTurnSnapshot(ctx, roomID); err == nil && snapshot != nil {
		snapshot["type"] = "turn_state"
		snapshot["room_id"] = roomID
		s.hub.SendToConn(connID, snapshot)
	}
}

// readLoop relays inbound chat frames and tears the connection down on
// close, per spec §6: "Disconnection triggers handle_disconnect then
// leave_room, and broadcasts user_left."
func (s *Server) readLoop(ws *websocket.Conn, roomID, connID string) {
	ctx := context.Background()
	limiter := newConnRateLimiter()
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer func() {
		if err := s.engine.HandleDisconnect(ctx, roomID, connID); err != nil {
			s.log.Warn("handle disconnect", "room_id", roomID, "conn_id", connID, "error", err)
		}
		if err := s.rooms.LeaveRoom(ctx, roomID, connID); err != nil {
			s.log.Warn("leave room", "room_id", roomID, "conn_id", connID, "error", err)
		}
		s.hub.Unregister(connID)
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read", "room_id", roomID, "conn_id", connID, "error", err)
			}
			return
		}

		var frame inboundFrame
		if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil || frame.Type == "" {
			frame = inboundFrame{Type: "msg", Text: string(raw)}
		}

		allowed, shouldDisconnect := limiter.allow(frame.Type)
		if !allowed {
			if shouldDisconnect {
				s.hub.SendToConn(connID, map[string]any{"type": "error", "message": "rate limit exceeded"})
				return
			}
			s.hub.SendToConn(connID, map[string]any{"type": "error", "message": "too many messages, slow down"})
			continue
		}

		s.dispatchFrame(ctx, roomID, connID, frame)
	}
}

// inboundFrame is the envelope for WebSocket client frames: plain chat
// (type "msg") or the vote/guess convenience types alongside the HTTP
// routes of the same name.
type inboundFrame struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	TargetConnID string `json:"target_conn_id"`
	Guess        string `json:"guess"`
}

func (s *Server) dispatchFrame(ctx context.Context, roomID, connID string, frame inboundFrame) {
	switch frame.Type {
	case "vote":
		if _, _, err := s.engine.CastVote(ctx, roomID, connID, frame.TargetConnID); err != nil {
			s.hub.SendToConn(connID, map[string]any{"type": "error", "message": err.Error()})
		}
	case "guess":
		if err := s.engine.GuessWord(ctx, roomID, connID, frame.Guess); err != nil {
			s.hub.SendToConn(connID, map[string]any{"type": "error", "message": err.Error()})
		}
	default:
		attrs, ok, err := s.store.GetConnAttrs(ctx, roomID, connID)
		if err != nil || !ok {
			return
		}
		s.hub.Broadcast(s.roomMembers(ctx, roomID), map[string]any{
			"type": "msg", "room": roomID, "room_id": roomID, "nick": attrs.Nickname, "text": frame.Text,
		})
	}
	if err := s.engine.HandleTurnMessage(ctx, roomID, connID); err != nil {
		s.log.Warn("handle turn message", "room_id", roomID, "conn_id", connID, "error", err)
	}
}

func (s *Server) roomMembers(ctx context.Context, roomID string) []string {
	conns, err := s.store.ListConns(ctx, roomID)
	if err != nil {
		return nil
	}
	return conns
}

// writePump drains send onto the WebSocket connection, interleaving
// periodic pings.
func (s *Server) writePump(ws *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
