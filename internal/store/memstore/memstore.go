// Package memstore is an in-process RoomStore, used by tests and by
// `impostord --store memory` for local runs without Redis. It keeps the
// same per-room concerns that redisstore spreads over separate keys, in
// one record per room, so behavior parity between the two is mechanical
// to verify.
package memstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sort"
	"sync"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/store"
)

type roomRecord struct {
	name     string
	state    store.GameState
	settings store.Settings
	host     string
	conns    map[string]store.ConnAttrs
	result   map[string]any

	secretWord string
	impostor   string

	turnOrder []string
	turn      *store.TurnState
	turnWords []store.WordEntry
	history   []store.WordEntry
	votes     map[string]string
}

func newRoomRecord(name string) *roomRecord {
	return &roomRecord{
		name:     name,
		state:    store.StateLobby,
		settings: store.DefaultSettings(),
		conns:    make(map[string]store.ConnAttrs),
		votes:    make(map[string]string),
	}
}

// Store is a mutex-guarded map-of-rooms RoomStore implementation.
type Store struct {
	mu     sync.RWMutex
	rooms  map[string]*roomRecord
	tokens map[string]store.ResumeSnapshot
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		rooms:  make(map[string]*roomRecord),
		tokens: make(map[string]store.ResumeSnapshot),
	}
}

func (s *Store) room(roomID string) (*roomRecord, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, apperr.NotFound("room %q not found", roomID)
	}
	return r, nil
}

func (s *Store) CreateRoom(_ context.Context, roomID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = newRoomRecord(name)
	return nil
}

func (s *Store) GetRoomName(_ context.Context, roomID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return "", false, nil
	}
	return r.name, true, nil
}

func (s *Store) SetGameState(_ context.Context, roomID string, state store.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.state = state
	return nil
}

func (s *Store) GetGameState(_ context.Context, roomID string) (store.GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	return r.state, nil
}

func (s *Store) EndGame(_ context.Context, roomID string, result map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{"reason": "win_condition"}
	}
	r.result = result
	r.state = store.StateEnded
	return result, nil
}

func (s *Store) AddConn(_ context.Context, roomID, connID, nickname string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.conns[connID] = store.ConnAttrs{Nickname: nickname, Ready: ready}
	if r.host == "" {
		r.host = connID
	}
	return nil
}

func (s *Store) RemoveConn(_ context.Context, roomID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	delete(r.conns, connID)
	if r.host == connID {
		r.host = ""
		if len(r.conns) > 0 {
			ids := make([]string, 0, len(r.conns))
			for id := range r.conns {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			r.host = ids[0]
		}
	}
	return nil
}

func (s *Store) ListConns(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SetReady(_ context.Context, roomID, connID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	attrs, ok := r.conns[connID]
	if !ok {
		return apperr.NotFound("conn %q not in room %q", connID, roomID)
	}
	attrs.Ready = ready
	r.conns[connID] = attrs
	return nil
}

func (s *Store) SetNickname(_ context.Context, roomID, connID, nickname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	attrs, ok := r.conns[connID]
	if !ok {
		return apperr.NotFound("conn %q not in room %q", connID, roomID)
	}
	attrs.Nickname = nickname
	r.conns[connID] = attrs
	return nil
}

func (s *Store) SetRole(_ context.Context, roomID, connID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	attrs, ok := r.conns[connID]
	if !ok {
		return apperr.NotFound("conn %q not in room %q", connID, roomID)
	}
	attrs.Role = role
	r.conns[connID] = attrs
	return nil
}

func (s *Store) GetConnAttrs(_ context.Context, roomID, connID string) (store.ConnAttrs, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return store.ConnAttrs{}, false, err
	}
	attrs, ok := r.conns[connID]
	return attrs, ok, nil
}

func (s *Store) GetLobbyState(_ context.Context, roomID string) (store.LobbyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	players := make(map[string]store.ConnAttrs, len(r.conns))
	for id, attrs := range r.conns {
		players[id] = attrs
	}
	return store.LobbyState{
		RoomID:   roomID,
		Name:     r.name,
		Players:  players,
		Host:     r.host,
		Settings: r.settings,
	}, nil
}

func (s *Store) GetHost(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	return r.host, nil
}

func (s *Store) GetRoomSettings(_ context.Context, roomID string) (store.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return store.Settings{}, err
	}
	return r.settings, nil
}

func (s *Store) SetRoomSettings(_ context.Context, roomID string, partial map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	for k, v := range partial {
		switch k {
		case "max_players":
			r.settings.MaxPlayers = v
		case "turn_duration":
			r.settings.TurnDuration = v
		case "round_time":
			r.settings.RoundTime = v
		case "turn_grace":
			r.settings.TurnGrace = v
		}
	}
	return nil
}

func (s *Store) SetSecretWord(_ context.Context, roomID, word string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.secretWord = word
	return nil
}

func (s *Store) GetSecretWord(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	return r.secretWord, nil
}

func (s *Store) SetImpostor(_ context.Context, roomID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.impostor = connID
	return nil
}

func (s *Store) GetImpostor(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	return r.impostor, nil
}

func (s *Store) ClearRoles(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	for id, attrs := range r.conns {
		attrs.Role = ""
		r.conns[id] = attrs
	}
	r.secretWord = ""
	r.impostor = ""
	return nil
}

func (s *Store) GetTurnOrder(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(r.turnOrder))
	copy(out, r.turnOrder)
	return out, nil
}

func (s *Store) SetTurnOrder(_ context.Context, roomID string, order []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.turnOrder = append([]string(nil), order...)
	return nil
}

func (s *Store) GetTurnState(_ context.Context, roomID string) (store.TurnState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return store.TurnState{}, false, err
	}
	if r.turn == nil {
		return store.TurnState{}, false, nil
	}
	ts := *r.turn
	ts.Voters = append([]string(nil), r.turn.Voters...)
	return ts, true, nil
}

func (s *Store) SetTurnState(_ context.Context, roomID string, state store.TurnState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	st := state
	st.Voters = append([]string(nil), state.Voters...)
	r.turn = &st
	return nil
}

func (s *Store) ClearTurnState(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.turn = nil
	return nil
}

func (s *Store) GetTurnWords(_ context.Context, roomID string) ([]store.WordEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]store.WordEntry, len(r.turnWords))
	copy(out, r.turnWords)
	return out, nil
}

func (s *Store) AppendTurnWord(_ context.Context, roomID string, entry store.WordEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.turnWords = append(r.turnWords, entry)
	return nil
}

func (s *Store) ClearTurnWords(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.turnWords = nil
	return nil
}

func (s *Store) GetWordHistory(_ context.Context, roomID string) ([]store.WordEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]store.WordEntry, len(r.history))
	copy(out, r.history)
	return out, nil
}

func (s *Store) AppendWordHistory(_ context.Context, roomID string, entry store.WordEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.history = append(r.history, entry)
	return nil
}

func (s *Store) ClearWordHistory(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.history = nil
	return nil
}

func (s *Store) GetVotes(_ context.Context, roomID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(r.votes))
	for k, v := range r.votes {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetVote(_ context.Context, roomID, voter, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.votes[voter] = target
	return nil
}

func (s *Store) ClearVotes(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return err
	}
	r.votes = make(map[string]string)
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Store) IssueResumeToken(_ context.Context, roomID, connID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.room(roomID)
	if err != nil {
		return "", err
	}
	attrs, ok := r.conns[connID]
	if !ok {
		return "", apperr.NotFound("conn %q not in room %q", connID, roomID)
	}
	token, err := newToken()
	if err != nil {
		return "", apperr.Internal(err, "generate resume token")
	}
	s.tokens[token] = store.ResumeSnapshot{
		RoomID:   roomID,
		ConnID:   connID,
		Nickname: attrs.Nickname,
		Ready:    attrs.Ready,
		Role:     attrs.Role,
	}
	return token, nil
}

func (s *Store) PeekResumeToken(_ context.Context, token string) (store.ResumeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.tokens[token]
	if !ok {
		return store.ResumeSnapshot{}, apperr.NotFound("resume token not found")
	}
	return snap, nil
}

func (s *Store) ConsumeResumeToken(_ context.Context, token string) (store.ResumeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.tokens[token]
	if !ok {
		return store.ResumeSnapshot{}, apperr.NotFound("resume token not found")
	}
	delete(s.tokens, token)
	return snap, nil
}

var _ store.RoomStore = (*Store)(nil)
