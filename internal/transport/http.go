// Package transport is the HTTP + WebSocket adapter: it implements the
// route table and WebSocket contract of spec §6 on top of RoomService
// and Engine, and maps the apperr taxonomy onto status codes.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/game"
	"impostor.dev/internal/notify"
	"impostor.dev/internal/store"
)

// Server wires the room/game services to their HTTP and WebSocket
// external interface.
type Server struct {
	rooms  *game.RoomService
	engine *game.Engine
	hub    *notify.Hub
	store  store.RoomStore
	log    *slog.Logger
}

// NewServer builds a Server from its dependencies.
func NewServer(rooms *game.RoomService, engine *game.Engine, hub *notify.Hub, st store.RoomStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{rooms: rooms, engine: engine, hub: hub, store: st, log: log}
}

// Routes builds the router for the full HTTP/WebSocket surface.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()
	r.POST("/rooms/", s.handleCreateRoom)
	r.GET("/rooms/:room_id/lobby", s.handleGetLobby)
	r.POST("/rooms/:room_id/ready", s.handleSetReady)
	r.POST("/rooms/:room_id/nick", s.handleSetNickname)
	r.POST("/rooms/:room_id/settings", s.handleUpdateSettings)
	r.POST("/rooms/:room_id/kick", s.handleKickPlayer)
	r.POST("/rooms/:room_id/start", s.handleStartGame)
	r.POST("/rooms/:room_id/end", s.handleEndGame)
	r.POST("/rooms/:room_id/vote", s.handleCastVote)
	r.POST("/rooms/:room_id/guess", s.handleGuessWord)
	r.POST("/rooms/:room_id/disconnect", s.handleDisconnect)
	r.GET("/rooms/:room_id/ws", s.handleWS)
	return s.withReconnect(r)
}

// withReconnect intercepts the literal POST /rooms/reconnect route ahead
// of the router. httprouter rejects a static segment and a named
// wildcard at the same tree position, and /rooms/reconnect sits right
// where /rooms/:room_id would otherwise match, so it can't be registered
// on the same tree as the rest of the /rooms/:room_id/... routes.
func (s *Server) withReconnect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/rooms/reconnect" {
			s.handleReconnect(w, r, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an apperr.Kind to the status codes documented in
// spec §6/§7.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindValidation:
		status = http.StatusUnprocessableEntity
	}
	if kind == apperr.KindInternal {
		log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return apperr.Validation("missing request body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	roomID, name, err := s.rooms.CreateRoom(r.Context(), req.Name)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room_id": roomID, "name": name})
}

func (s *Server) handleGetLobby(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	lobby, err := s.rooms.GetLobby(r.Context(), ps.ByName("room_id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (s *Server) handleSetReady(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID string `json:"conn_id"`
		Ready  bool   `json:"ready"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	lobby, err := s.rooms.SetReady(r.Context(), ps.ByName("room_id"), req.ConnID, req.Ready)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (s *Server) handleSetNickname(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID   string `json:"conn_id"`
		Nickname string `json:"nickname"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	lobby, err := s.rooms.SetNickname(r.Context(), ps.ByName("room_id"), req.ConnID, "", req.Nickname)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID       string `json:"conn_id"`
		MaxPlayers   *int   `json:"max_players"`
		TurnDuration *int   `json:"turn_duration"`
		RoundTime    *int   `json:"round_time"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	partial := make(map[string]int)
	if req.MaxPlayers != nil {
		partial["max_players"] = *req.MaxPlayers
	}
	if req.TurnDuration != nil {
		partial["turn_duration"] = *req.TurnDuration
	}
	if req.RoundTime != nil {
		partial["round_time"] = *req.RoundTime
	}
	lobby, err := s.rooms.UpdateSettings(r.Context(), ps.ByName("room_id"), req.ConnID, partial)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (s *Server) handleKickPlayer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID       string `json:"conn_id"`
		TargetConnID string `json:"target_conn_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	lobby, err := s.rooms.KickPlayer(r.Context(), ps.ByName("room_id"), req.ConnID, req.TargetConnID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID string `json:"conn_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.engine.StartGame(r.Context(), ps.ByName("room_id"), req.ConnID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Result map[string]any `json:"result"`
	}
	if r.Body != nil {
		_ = decodeBody(r, &req)
	}
	result, err := s.engine.EndGame(r.Context(), ps.ByName("room_id"), req.Result)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID       string `json:"conn_id"`
		TargetConnID string `json:"target_conn_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	votes, tally, err := s.engine.CastVote(r.Context(), ps.ByName("room_id"), req.ConnID, req.TargetConnID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": votes, "tally": tally})
}

func (s *Server) handleGuessWord(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID string `json:"conn_id"`
		Guess  string `json:"guess"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.engine.GuessWord(r.Context(), ps.ByName("room_id"), req.ConnID, req.Guess); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		ConnID string `json:"conn_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	roomID := ps.ByName("room_id")
	if err := s.engine.HandleDisconnect(r.Context(), roomID, req.ConnID); err != nil {
		writeError(w, s.log, err)
		return
	}
	token, err := s.rooms.Disconnect(r.Context(), roomID, req.ConnID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	snap, lobby, err := s.rooms.Reconnect(r.Context(), req.Token)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.engine.HandleReconnect(r.Context(), snap.RoomID, snap.ConnID, snap.Role); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}
