// Package redisstore is the production RoomStore, backed by Redis. The
// key layout follows the original service's Redis-backed store: one key
// (string, hash, set or list) per concern, composed as
// "room:<id>:<concern>".
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/store"
)

func roomKey(id string) string            { return "room:" + id }
func roomConnsKey(id string) string       { return "room:" + id + ":conns" }
func roomHostKey(id string) string        { return "room:" + id + ":host" }
func roomSettingsKey(id string) string    { return "room:" + id + ":settings" }
func roomStateKey(id string) string       { return "room:" + id + ":game_state" }
func roomResultKey(id string) string      { return "room:" + id + ":game_result" }
func roomWordKey(id string) string        { return "room:" + id + ":secret_word" }
func roomImpostorKey(id string) string    { return "room:" + id + ":impostor" }
func roomVotesKey(id string) string       { return "room:" + id + ":votes" }
func turnOrderKey(id string) string       { return "room:" + id + ":turn_order" }
func turnStateKey(id string) string       { return "room:" + id + ":turn_state" }
func turnWordsKey(id string) string       { return "room:" + id + ":turn_words" }
func wordHistoryKey(id string) string     { return "room:" + id + ":word_history" }
func connKey(id string) string            { return "conn:" + id }
func resumeTokenKey(token string) string  { return "resume:" + token }

var turnIntKeys = map[string]bool{
	"round": true, "turn_index": true, "turn_remaining": true,
	"turn_duration": true, "turn_grace": true, "round_time": true,
}
var turnFloatKeys = map[string]bool{
	"deadline_ts": true, "grace_deadline_ts": true, "vote_deadline_ts": true,
}

// Store is a RoomStore backed by a *redis.Client. It caches list_conns
// and get_turn_state per room, invalidated on the writes that touch
// those keys, matching the caching contract of spec §4.1.
type Store struct {
	rdb *redis.Client

	connsCache map[string][]string
	turnCache  map[string]*store.TurnState
}

// New wraps an already-dialed Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:        rdb,
		connsCache: make(map[string][]string),
		turnCache:  make(map[string]*store.TurnState),
	}
}

func (s *Store) invalidateConns(roomID string) { delete(s.connsCache, roomID) }
func (s *Store) invalidateTurn(roomID string)  { delete(s.turnCache, roomID) }

func (s *Store) CreateRoom(ctx context.Context, roomID, name string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomKey(roomID), name, 0)
	pipe.Set(ctx, roomStateKey(roomID), string(store.StateLobby), 0)
	def := store.DefaultSettings()
	pipe.HSet(ctx, roomSettingsKey(roomID), map[string]any{
		"max_players":   def.MaxPlayers,
		"turn_duration": def.TurnDuration,
		"round_time":    def.RoundTime,
		"turn_grace":    def.TurnGrace,
	})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return apperr.Internal(err, "create room %q", roomID)
	}
	return nil
}

func (s *Store) GetRoomName(ctx context.Context, roomID string) (string, bool, error) {
	name, err := s.rdb.Get(ctx, roomKey(roomID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Internal(err, "get room name %q", roomID)
	}
	return name, true, nil
}

func (s *Store) requireRoom(ctx context.Context, roomID string) error {
	_, ok, err := s.GetRoomName(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("room %q not found", roomID)
	}
	return nil
}

func (s *Store) SetGameState(ctx context.Context, roomID string, state store.GameState) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, roomStateKey(roomID), string(state), 0).Err(); err != nil {
		return apperr.Internal(err, "set game state %q", roomID)
	}
	return nil
}

func (s *Store) GetGameState(ctx context.Context, roomID string) (store.GameState, error) {
	v, err := s.rdb.Get(ctx, roomStateKey(roomID)).Result()
	if err == redis.Nil {
		return store.StateLobby, nil
	}
	if err != nil {
		return "", apperr.Internal(err, "get game state %q", roomID)
	}
	return store.GameState(v), nil
}

func (s *Store) EndGame(ctx context.Context, roomID string, result map[string]any) (map[string]any, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{"reason": "win_condition"}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, apperr.Internal(err, "marshal game result")
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, roomResultKey(roomID), raw, 0)
	pipe.Set(ctx, roomStateKey(roomID), string(store.StateEnded), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Internal(err, "end game %q", roomID)
	}
	return result, nil
}

func (s *Store) AddConn(ctx context.Context, roomID, connID, nickname string, ready bool) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, roomConnsKey(roomID), connID)
	attrs := store.ConnAttrs{Nickname: nickname, Ready: ready}
	raw, _ := json.Marshal(attrs)
	pipe.HSet(ctx, connKey(connID), "room_id", roomID, "attrs", raw)
	pipe.SetNX(ctx, roomHostKey(roomID), connID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Internal(err, "add conn %q to room %q", connID, roomID)
	}
	s.invalidateConns(roomID)
	return nil
}

func (s *Store) RemoveConn(ctx context.Context, roomID, connID string) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, roomConnsKey(roomID), connID).Err(); err != nil {
		return apperr.Internal(err, "remove conn %q", connID)
	}
	s.rdb.Del(ctx, connKey(connID))
	s.invalidateConns(roomID)

	host, err := s.rdb.Get(ctx, roomHostKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return apperr.Internal(err, "read host %q", roomID)
	}
	if host == connID {
		remaining, err := s.ListConns(ctx, roomID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			s.rdb.Del(ctx, roomHostKey(roomID))
		} else {
			s.rdb.Set(ctx, roomHostKey(roomID), remaining[0], 0)
		}
	}
	return nil
}

func (s *Store) ListConns(ctx context.Context, roomID string) ([]string, error) {
	if cached, ok := s.connsCache[roomID]; ok {
		out := make([]string, len(cached))
		copy(out, cached)
		return out, nil
	}
	ids, err := s.rdb.SMembers(ctx, roomConnsKey(roomID)).Result()
	if err != nil {
		return nil, apperr.Internal(err, "list conns %q", roomID)
	}
	sort.Strings(ids)
	s.connsCache[roomID] = ids
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *Store) getConnAttrsRaw(ctx context.Context, connID string) (store.ConnAttrs, bool, error) {
	raw, err := s.rdb.HGet(ctx, connKey(connID), "attrs").Result()
	if err == redis.Nil {
		return store.ConnAttrs{}, false, nil
	}
	if err != nil {
		return store.ConnAttrs{}, false, apperr.Internal(err, "get conn attrs %q", connID)
	}
	var attrs store.ConnAttrs
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return store.ConnAttrs{}, false, apperr.Internal(err, "unmarshal conn attrs %q", connID)
	}
	return attrs, true, nil
}

func (s *Store) setConnAttrs(ctx context.Context, roomID, connID string, attrs store.ConnAttrs) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return apperr.Internal(err, "marshal conn attrs")
	}
	if err := s.rdb.HSet(ctx, connKey(connID), "room_id", roomID, "attrs", raw).Err(); err != nil {
		return apperr.Internal(err, "set conn attrs %q", connID)
	}
	return nil
}

func (s *Store) SetReady(ctx context.Context, roomID, connID string, ready bool) error {
	attrs, ok, err := s.getConnAttrsRaw(ctx, connID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("conn %q not found", connID)
	}
	attrs.Ready = ready
	return s.setConnAttrs(ctx, roomID, connID, attrs)
}

func (s *Store) SetNickname(ctx context.Context, roomID, connID, nickname string) error {
	attrs, ok, err := s.getConnAttrsRaw(ctx, connID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("conn %q not found", connID)
	}
	attrs.Nickname = nickname
	return s.setConnAttrs(ctx, roomID, connID, attrs)
}

func (s *Store) SetRole(ctx context.Context, roomID, connID, role string) error {
	attrs, ok, err := s.getConnAttrsRaw(ctx, connID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("conn %q not found", connID)
	}
	attrs.Role = role
	return s.setConnAttrs(ctx, roomID, connID, attrs)
}

func (s *Store) GetConnAttrs(ctx context.Context, _ string, connID string) (store.ConnAttrs, bool, error) {
	return s.getConnAttrsRaw(ctx, connID)
}

func (s *Store) GetHost(ctx context.Context, roomID string) (string, error) {
	host, err := s.rdb.Get(ctx, roomHostKey(roomID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal(err, "get host %q", roomID)
	}
	return host, nil
}

func (s *Store) GetLobbyState(ctx context.Context, roomID string) (store.LobbyState, error) {
	name, ok, err := s.GetRoomName(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	if !ok {
		return store.LobbyState{}, apperr.NotFound("room %q not found", roomID)
	}
	ids, err := s.ListConns(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	players := make(map[string]store.ConnAttrs, len(ids))
	for _, id := range ids {
		attrs, ok, err := s.getConnAttrsRaw(ctx, id)
		if err != nil {
			return store.LobbyState{}, err
		}
		if ok {
			players[id] = attrs
		}
	}
	host, err := s.GetHost(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	settings, err := s.GetRoomSettings(ctx, roomID)
	if err != nil {
		return store.LobbyState{}, err
	}
	return store.LobbyState{RoomID: roomID, Name: name, Players: players, Host: host, Settings: settings}, nil
}

func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (store.Settings, error) {
	vals, err := s.rdb.HGetAll(ctx, roomSettingsKey(roomID)).Result()
	if err != nil {
		return store.Settings{}, apperr.Internal(err, "get settings %q", roomID)
	}
	settings := store.DefaultSettings()
	for k, v := range vals {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			continue
		}
		switch k {
		case "max_players":
			settings.MaxPlayers = n
		case "turn_duration":
			settings.TurnDuration = n
		case "round_time":
			settings.RoundTime = n
		case "turn_grace":
			settings.TurnGrace = n
		}
	}
	return settings, nil
}

func (s *Store) SetRoomSettings(ctx context.Context, roomID string, partial map[string]int) error {
	if len(partial) == 0 {
		return nil
	}
	fields := make(map[string]any, len(partial))
	for k, v := range partial {
		fields[k] = v
	}
	if err := s.rdb.HSet(ctx, roomSettingsKey(roomID), fields).Err(); err != nil {
		return apperr.Internal(err, "set settings %q", roomID)
	}
	return nil
}

func (s *Store) SetSecretWord(ctx context.Context, roomID, word string) error {
	if err := s.rdb.Set(ctx, roomWordKey(roomID), word, 0).Err(); err != nil {
		return apperr.Internal(err, "set secret word %q", roomID)
	}
	return nil
}

func (s *Store) GetSecretWord(ctx context.Context, roomID string) (string, error) {
	v, err := s.rdb.Get(ctx, roomWordKey(roomID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal(err, "get secret word %q", roomID)
	}
	return v, nil
}

func (s *Store) SetImpostor(ctx context.Context, roomID, connID string) error {
	if err := s.rdb.Set(ctx, roomImpostorKey(roomID), connID, 0).Err(); err != nil {
		return apperr.Internal(err, "set impostor %q", roomID)
	}
	return nil
}

func (s *Store) GetImpostor(ctx context.Context, roomID string) (string, error) {
	v, err := s.rdb.Get(ctx, roomImpostorKey(roomID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", apperr.Internal(err, "get impostor %q", roomID)
	}
	return v, nil
}

func (s *Store) ClearRoles(ctx context.Context, roomID string) error {
	ids, err := s.ListConns(ctx, roomID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		attrs, ok, err := s.getConnAttrsRaw(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		attrs.Role = ""
		if err := s.setConnAttrs(ctx, roomID, id, attrs); err != nil {
			return err
		}
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, roomWordKey(roomID))
	pipe.Del(ctx, roomImpostorKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Internal(err, "clear roles %q", roomID)
	}
	return nil
}

func (s *Store) GetTurnOrder(ctx context.Context, roomID string) ([]string, error) {
	order, err := s.rdb.LRange(ctx, turnOrderKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, apperr.Internal(err, "get turn order %q", roomID)
	}
	return order, nil
}

func (s *Store) SetTurnOrder(ctx context.Context, roomID string, order []string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, turnOrderKey(roomID))
	if len(order) > 0 {
		items := make([]any, len(order))
		for i, v := range order {
			items[i] = v
		}
		pipe.RPush(ctx, turnOrderKey(roomID), items...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Internal(err, "set turn order %q", roomID)
	}
	return nil
}

func (s *Store) GetTurnState(ctx context.Context, roomID string) (store.TurnState, bool, error) {
	if cached, ok := s.turnCache[roomID]; ok {
		if cached == nil {
			return store.TurnState{}, false, nil
		}
		ts := *cached
		ts.Voters = append([]string(nil), cached.Voters...)
		return ts, true, nil
	}
	vals, err := s.rdb.HGetAll(ctx, turnStateKey(roomID)).Result()
	if err != nil {
		return store.TurnState{}, false, apperr.Internal(err, "get turn state %q", roomID)
	}
	if len(vals) == 0 {
		s.turnCache[roomID] = nil
		return store.TurnState{}, false, nil
	}
	ts := store.TurnState{Phase: store.Phase(vals["phase"]), CurrentConnID: vals["current_conn_id"]}
	if raw, ok := vals["voters"]; ok && raw != "" {
		var voters []string
		if err := json.Unmarshal([]byte(raw), &voters); err == nil {
			ts.Voters = voters
		}
	}
	for k, v := range vals {
		if turnIntKeys[k] {
			n, _ := strconv.Atoi(v)
			switch k {
			case "round":
				ts.Round = n
			case "turn_index":
				ts.TurnIndex = n
			case "turn_remaining":
				ts.TurnRemaining = n
			case "turn_duration":
				ts.TurnDuration = n
			case "turn_grace":
				ts.TurnGrace = n
			case "round_time":
				ts.RoundTime = n
			}
		} else if turnFloatKeys[k] {
			f, _ := strconv.ParseFloat(v, 64)
			switch k {
			case "deadline_ts":
				ts.DeadlineTS = f
			case "grace_deadline_ts":
				ts.GraceDeadlineTS = f
			case "vote_deadline_ts":
				ts.VoteDeadlineTS = f
			}
		}
	}
	cached := ts
	s.turnCache[roomID] = &cached
	return ts, true, nil
}

func (s *Store) SetTurnState(ctx context.Context, roomID string, state store.TurnState) error {
	votersRaw, _ := json.Marshal(state.Voters)
	fields := map[string]any{
		"phase":             string(state.Phase),
		"round":             state.Round,
		"turn_index":        state.TurnIndex,
		"current_conn_id":   state.CurrentConnID,
		"deadline_ts":       fmt.Sprintf("%f", state.DeadlineTS),
		"turn_remaining":    state.TurnRemaining,
		"grace_deadline_ts": fmt.Sprintf("%f", state.GraceDeadlineTS),
		"vote_deadline_ts":  fmt.Sprintf("%f", state.VoteDeadlineTS),
		"voters":            string(votersRaw),
		"turn_duration":     state.TurnDuration,
		"round_time":        state.RoundTime,
		"turn_grace":        state.TurnGrace,
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, turnStateKey(roomID))
	pipe.HSet(ctx, turnStateKey(roomID), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Internal(err, "set turn state %q", roomID)
	}
	s.invalidateTurn(roomID)
	return nil
}

func (s *Store) ClearTurnState(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, turnStateKey(roomID)).Err(); err != nil {
		return apperr.Internal(err, "clear turn state %q", roomID)
	}
	s.invalidateTurn(roomID)
	return nil
}

func decodeWordEntries(raw []string) ([]store.WordEntry, error) {
	out := make([]store.WordEntry, 0, len(raw))
	for _, r := range raw {
		var e store.WordEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) GetTurnWords(ctx context.Context, roomID string) ([]store.WordEntry, error) {
	raw, err := s.rdb.LRange(ctx, turnWordsKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, apperr.Internal(err, "get turn words %q", roomID)
	}
	out, err := decodeWordEntries(raw)
	if err != nil {
		return nil, apperr.Internal(err, "decode turn words %q", roomID)
	}
	return out, nil
}

func (s *Store) AppendTurnWord(ctx context.Context, roomID string, entry store.WordEntry) error {
	raw, _ := json.Marshal(entry)
	if err := s.rdb.RPush(ctx, turnWordsKey(roomID), raw).Err(); err != nil {
		return apperr.Internal(err, "append turn word %q", roomID)
	}
	return nil
}

func (s *Store) ClearTurnWords(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, turnWordsKey(roomID)).Err(); err != nil {
		return apperr.Internal(err, "clear turn words %q", roomID)
	}
	return nil
}

func (s *Store) GetWordHistory(ctx context.Context, roomID string) ([]store.WordEntry, error) {
	raw, err := s.rdb.LRange(ctx, wordHistoryKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, apperr.Internal(err, "get word history %q", roomID)
	}
	out, err := decodeWordEntries(raw)
	if err != nil {
		return nil, apperr.Internal(err, "decode word history %q", roomID)
	}
	return out, nil
}

func (s *Store) AppendWordHistory(ctx context.Context, roomID string, entry store.WordEntry) error {
	raw, _ := json.Marshal(entry)
	if err := s.rdb.RPush(ctx, wordHistoryKey(roomID), raw).Err(); err != nil {
		return apperr.Internal(err, "append word history %q", roomID)
	}
	return nil
}

func (s *Store) ClearWordHistory(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, wordHistoryKey(roomID)).Err(); err != nil {
		return apperr.Internal(err, "clear word history %q", roomID)
	}
	return nil
}

func (s *Store) GetVotes(ctx context.Context, roomID string) (map[string]string, error) {
	votes, err := s.rdb.HGetAll(ctx, roomVotesKey(roomID)).Result()
	if err != nil {
		return nil, apperr.Internal(err, "get votes %q", roomID)
	}
	return votes, nil
}

func (s *Store) SetVote(ctx context.Context, roomID, voter, target string) error {
	if err := s.rdb.HSet(ctx, roomVotesKey(roomID), voter, target).Err(); err != nil {
		return apperr.Internal(err, "set vote %q", roomID)
	}
	return nil
}

func (s *Store) ClearVotes(ctx context.Context, roomID string) error {
	if err := s.rdb.Del(ctx, roomVotesKey(roomID)).Err(); err != nil {
		return apperr.Internal(err, "clear votes %q", roomID)
	}
	return nil
}

func (s *Store) IssueResumeToken(ctx context.Context, roomID, connID string) (string, error) {
	attrs, ok, err := s.getConnAttrsRaw(ctx, connID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.NotFound("conn %q not found", connID)
	}
	token := make([]byte, 24)
	if _, err := rand.Read(token); err != nil {
		return "", apperr.Internal(err, "generate resume token")
	}
	tokenStr := base64.RawURLEncoding.EncodeToString(token)
	snap := store.ResumeSnapshot{RoomID: roomID, ConnID: connID, Nickname: attrs.Nickname, Ready: attrs.Ready, Role: attrs.Role}
	raw, _ := json.Marshal(snap)
	if err := s.rdb.Set(ctx, resumeTokenKey(tokenStr), raw, 0).Err(); err != nil {
		return "", apperr.Internal(err, "store resume token")
	}
	return tokenStr, nil
}

func (s *Store) PeekResumeToken(ctx context.Context, token string) (store.ResumeSnapshot, error) {
	raw, err := s.rdb.Get(ctx, resumeTokenKey(token)).Result()
	if err == redis.Nil {
		return store.ResumeSnapshot{}, apperr.NotFound("resume token not found")
	}
	if err != nil {
		return store.ResumeSnapshot{}, apperr.Internal(err, "peek resume token")
	}
	var snap store.ResumeSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return store.ResumeSnapshot{}, apperr.Internal(err, "unmarshal resume token")
	}
	return snap, nil
}

func (s *Store) ConsumeResumeToken(ctx context.Context, token string) (store.ResumeSnapshot, error) {
	snap, err := s.PeekResumeToken(ctx, token)
	if err != nil {
		return store.ResumeSnapshot{}, err
	}
	s.rdb.Del(ctx, resumeTokenKey(token))
	return snap, nil
}

var _ store.RoomStore = (*Store)(nil)
