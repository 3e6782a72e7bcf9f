package game

import (
	"context"
	"log/slog"
	"strings"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/notify"
	"impostor.dev/internal/store"
)

// RoomService implements the lobby-level operations of spec §4.3:
// create/join/leave, ready, nickname, settings, kick, host election,
// and resume-token issue/consume. Every operation that takes a room_id
// first confirms the room exists, failing NotFound otherwise.
type RoomService struct {
	store    store.RoomStore
	notifier notify.Notifier
	defaults store.Settings
	log      *slog.Logger
}

// NewRoomService wires a RoomService to its store and notifier. defaults
// is applied to every room CreateRoom mints; pass store.DefaultSettings()
// to keep the built-in defaults.
func NewRoomService(st store.RoomStore, n notify.Notifier, defaults store.Settings, log *slog.Logger) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{store: st, notifier: n, defaults: defaults, log: log}
}

func (s *RoomService) requireRoom(ctx context.Context, roomID string) (string, error) {
	name, ok, err := s.store.GetRoomName(ctx, roomID)
	if err != nil {
		return "", apperr.Internal(err, "get room name")
	}
	if !ok {
		return "", apperr.NotFound("room %q not found", roomID)
	}
	return name, nil
}

// GetLobby returns the current lobby state.
func (s *RoomService) GetLobby(ctx context.Context, roomID string) (store.LobbyState, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return store.LobbyState{}, err
	}
	return s.store.GetLobbyState(ctx, roomID)
}

// CreateRoom mints an 8-char room_id and initializes the room.
func (s *RoomService) CreateRoom(ctx context.Context, name string) (string, string, error) {
	roomID, err := newRoomID()
	if err != nil {
		return "", "", apperr.Internal(err, "generate room id")
	}
	if err := s.store.CreateRoom(ctx, roomID, name); err != nil {
		return "", "", err
	}
	partial := map[string]int{
		"max_players":   s.defaults.MaxPlayers,
		"turn_duration": s.defaults.TurnDuration,
		"round_time":    s.defaults.RoundTime,
		"turn_grace":    s.defaults.TurnGrace,
	}
	if err := s.store.SetRoomSettings(ctx, roomID, partial); err != nil {
		return "", "", err
	}
	return roomID, name, nil
}

// JoinRoom adds connID to roomID, enforcing max_players, and returns the
// room name and current lobby state.
func (s *RoomService) JoinRoom(ctx context.Context, roomID, connID, nickname string) (string, store.LobbyState, error) {
	name, err := s.requireRoom(ctx, roomID)
	if err != nil {
		return "", store.LobbyState{}, err
	}
	settings, err := s.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return "", store.LobbyState{}, err
	}
	conns, err := s.store.ListConns(ctx, roomID)
	if err != nil {
		return "", store.LobbyState{}, err
	}
	if len(conns) >= settings.MaxPlayers {
		return "", store.LobbyState{}, apperr.Conflict("room %q is full (%d/%d)", roomID, len(conns), settings.MaxPlayers)
	}
	if err := s.store.AddConn(ctx, roomID, connID, nickname, false); err != nil {
		return "", store.LobbyState{}, err
	}
	lobby, err := s.store.GetLobbyState(ctx, roomID)
	if err != nil {
		return "", store.LobbyState{}, err
	}
	s.broadcastExcept(ctx, roomID, connID, map[string]any{
		"type": "user_joined", "room_id": roomID, "conn_id": connID, "nickname": nickname,
	})
	return name, lobby, nil
}

// broadcastExcept broadcasts payload to every member of roomID other
// than exceptConnID.
func (s *RoomService) broadcastExcept(ctx context.Context, roomID, exceptConnID string, payload any) {
	conns, err := s.store.ListConns(ctx, roomID)
	if err != nil {
		return
	}
	targets := make([]string, 0, len(conns))
	for _, id := range conns {
		if id != exceptConnID {
			targets = append(targets, id)
		}
	}
	s.notifier.Broadcast(targets, payload)
}

// LeaveRoom removes connID, which may trigger host reassignment.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, connID string) error {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.store.RemoveConn(ctx, roomID, connID); err != nil {
		return err
	}
	s.broadcastExcept(ctx, roomID, connID, map[string]any{
		"type": "user_left", "room_id": roomID, "conn_id": connID,
	})
	return nil
}

// SetReady flips connID's ready flag and returns the fresh lobby state.
func (s *RoomService) SetReady(ctx context.Context, roomID, connID string, ready bool) (store.LobbyState, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return store.LobbyState{}, err
	}
	if err := s.store.SetReady(ctx, roomID, connID, ready); err != nil {
		return store.LobbyState{}, err
	}
	return s.store.GetLobbyState(ctx, roomID)
}

// SetNickname renames targetConnID. Only the host may rename a conn
// other than itself; any conn may rename itself.
func (s *RoomService) SetNickname(ctx context.Context, roomID, callerConnID, targetConnID, nickname string) (store.LobbyState, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return store.LobbyState{}, err
	}
	nickname = strings.TrimSpace(nickname)
	if len(nickname) < 1 || len(nickname) > 20 {
		return store.LobbyState{}, apperr.Validation("nickname must be 1-20 characters")
	}
	if targetConnID == "" {
		targetConnID = callerConnID
	}
	if targetConnID != callerConnID {
		host, err := s.store.GetHost(ctx, roomID)
		if err != nil {
			return store.LobbyState{}, err
		}
		if host != callerConnID {
			return store.LobbyState{}, apperr.Forbidden("only the host may rename another player")
		}
	}
	if err := s.store.SetNickname(ctx, roomID, targetConnID, nickname); err != nil {
		return store.LobbyState{}, err
	}
	if conns, err := s.store.ListConns(ctx, roomID); err == nil {
		s.notifier.Broadcast(conns, map[string]any{
			"type": "user_renamed", "room_id": roomID, "conn_id": targetConnID, "nickname": nickname,
		})
	}
	return s.store.GetLobbyState(ctx, roomID)
}

var settingsBounds = map[string][2]int{
	"max_players":   {2, 20},
	"turn_duration": {5, 300},
	"round_time":    {10, 300},
	"turn_grace":    {5, 300},
}

// UpdateSettings applies a partial settings patch. Host only, lobby
// phase only, each key validated against its documented bound.
func (s *RoomService) UpdateSettings(ctx context.Context, roomID, callerConnID string, partial map[string]int) (store.LobbyState, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return store.LobbyState{}, err
	}
	host, err := s.store.GetHost(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	if host != callerConnID {
		return store.LobbyState{}, apperr.Forbidden("only the host may change settings")
	}
	state, err := s.store.GetGameState(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	if state != store.StateLobby {
		return store.LobbyState{}, apperr.Conflict("settings can only change in the lobby")
	}
	for k, v := range partial {
		bound, ok := settingsBounds[k]
		if !ok {
			return store.LobbyState{}, apperr.Validation("unrecognized setting %q", k)
		}
		if v < bound[0] || v > bound[1] {
			return store.LobbyState{}, apperr.Validation("%s must be between %d and %d", k, bound[0], bound[1])
		}
	}
	if err := s.store.SetRoomSettings(ctx, roomID, partial); err != nil {
		return store.LobbyState{}, err
	}
	return s.store.GetLobbyState(ctx, roomID)
}

// KickPlayer removes targetConnID. Caller must be host; the host cannot
// kick itself.
func (s *RoomService) KickPlayer(ctx context.Context, roomID, callerConnID, targetConnID string) (store.LobbyState, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return store.LobbyState{}, err
	}
	host, err := s.store.GetHost(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	if host != callerConnID {
		return store.LobbyState{}, apperr.Forbidden("only the host may kick players")
	}
	if targetConnID == host {
		return store.LobbyState{}, apperr.Conflict("the host cannot kick itself")
	}
	s.notifier.SendToConn(targetConnID, map[string]any{"type": "kicked", "room_id": roomID, "conn_id": targetConnID})
	s.notifier.CloseConn(targetConnID)
	if err := s.store.RemoveConn(ctx, roomID, targetConnID); err != nil {
		return store.LobbyState{}, err
	}
	s.broadcastExcept(ctx, roomID, targetConnID, map[string]any{
		"type": "user_left", "room_id": roomID, "conn_id": targetConnID,
	})
	return s.store.GetLobbyState(ctx, roomID)
}

// Disconnect issues a resume token (reading the conn's still-present
// attributes first), then removes the conn.
func (s *RoomService) Disconnect(ctx context.Context, roomID, connID string) (string, error) {
	if _, err := s.requireRoom(ctx, roomID); err != nil {
		return "", err
	}
	token, err := s.store.IssueResumeToken(ctx, roomID, connID)
	if err != nil {
		return "", err
	}
	if err := s.store.RemoveConn(ctx, roomID, connID); err != nil {
		return "", err
	}
	return token, nil
}

// PreviewReconnect resolves a resume token without consuming it.
func (s *RoomService) PreviewReconnect(ctx context.Context, token string) (store.ResumeSnapshot, error) {
	snap, err := s.store.PeekResumeToken(ctx, token)
	if err != nil {
		return store.ResumeSnapshot{}, err
	}
	if _, ok, err := s.store.GetRoomName(ctx, snap.RoomID); err != nil {
		return store.ResumeSnapshot{}, err
	} else if !ok {
		return store.ResumeSnapshot{}, apperr.NotFound("room %q no longer exists", snap.RoomID)
	}
	return snap, nil
}

// Reconnect consumes token and re-adds the conn with its snapshotted
// nickname and ready flag, returning the fresh lobby state.
func (s *RoomService) Reconnect(ctx context.Context, token string) (store.ResumeSnapshot, store.LobbyState, error) {
	snap, err := s.store.ConsumeResumeToken(ctx, token)
	if err != nil {
		return store.ResumeSnapshot{}, store.LobbyState{}, err
	}
	if _, ok, err := s.store.GetRoomName(ctx, snap.RoomID); err != nil {
		return store.ResumeSnapshot{}, store.LobbyState{}, err
	} else if !ok {
		return store.ResumeSnapshot{}, store.LobbyState{}, apperr.NotFound("room %q no longer exists", snap.RoomID)
	}
	if err := s.store.AddConn(ctx, snap.RoomID, snap.ConnID, snap.Nickname, snap.Ready); err != nil {
		return store.ResumeSnapshot{}, store.LobbyState{}, err
	}
	lobby, err := s.store.GetLobbyState(ctx, snap.RoomID)
	if err != nil {
		return store.ResumeSnapshot{}, store.LobbyState{}, err
	}
	s.broadcastExcept(ctx, snap.RoomID, snap.ConnID, map[string]any{
		"type": "user_joined", "room_id": snap.RoomID, "conn_id": snap.ConnID, "nickname": snap.Nickname,
	})
	return snap, lobby, nil
}
