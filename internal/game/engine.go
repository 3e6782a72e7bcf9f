// Package game implements the RoomService and GameService described in
// spec §4.3/§4.4: lobby operations, and the turn/vote/reconnect state
// machine that is the heart of the system.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/notify"
	"impostor.dev/internal/store"
)

// TurnEndReason is why a turn advanced.
type TurnEndReason string

const (
	ReasonSpoken  TurnEndReason = "spoken"
	ReasonTimeout TurnEndReason = "timeout"
	ReasonSkipped TurnEndReason = "skipped"
)

// Engine is the GameService: role assignment, the turn scheduler with
// suspend/resume, voting tally and resolution, impostor guessing, and
// reconnect hand-off. It owns one mutex and at most one timer task per
// room (spec §5).
type Engine struct {
	store    store.RoomStore
	notifier notify.Notifier
	tick     time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	timers map[string]*timerSlot

	now func() time.Time
}

// NewEngine constructs a GameService. tickSeconds must be positive, per
// the boundary behavior in spec §8 ("timer_tick_seconds <= 0 => engine
// construction fails").
func NewEngine(st store.RoomStore, n notify.Notifier, tickSeconds int, log *slog.Logger) (*Engine, error) {
	if tickSeconds <= 0 {
		return nil, fmt.Errorf("timer_tick_seconds must be positive, got %d", tickSeconds)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    st,
		notifier: n,
		tick:     time.Duration(tickSeconds) * time.Second,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		timers:   make(map[string]*timerSlot),
		now:      time.Now,
	}, nil
}

func (e *Engine) roomLock(roomID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[roomID] = lock
	}
	return lock
}

func (e *Engine) nowFloat() float64 {
	return float64(e.now().UnixNano()) / 1e9
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func tallyVotes(votes map[string]string) map[string]int {
	tally := make(map[string]int)
	for _, target := range votes {
		tally[target]++
	}
	return tally
}

func normalizeWord(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ---- Start game (spec §4.4.1) ----

// StartGame validates the caller is host and every member is ready,
// then transitions the room into play and starts round 1.
func (e *Engine) StartGame(ctx context.Context, roomID, callerConnID string) error {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if _, ok, err := e.store.GetRoomName(ctx, roomID); err != nil {
		return err
	} else if !ok {
		return apperr.NotFound("room %q not found", roomID)
	}

	host, err := e.store.GetHost(ctx, roomID)
	if err != nil {
		return err
	}
	if host != callerConnID {
		return apperr.Forbidden("only the host may start the game")
	}

	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return err
	}
	if len(conns) == 0 {
		return apperr.Conflict("no players in room")
	}
	for _, id := range conns {
		attrs, ok, err := e.store.GetConnAttrs(ctx, roomID, id)
		if err != nil {
			return err
		}
		if !ok || !attrs.Ready {
			return apperr.Conflict("not all players are ready")
		}
	}

	if err := e.store.SetGameState(ctx, roomID, store.StateInProgress); err != nil {
		return err
	}
	if err := e.store.ClearWordHistory(ctx, roomID); err != nil {
		return err
	}
	if err := e.assignRolesLocked(ctx, roomID, conns); err != nil {
		return err
	}
	e.notifier.Broadcast(conns, map[string]any{"type": "game_started", "room_id": roomID})

	return e.startRoundLocked(ctx, roomID, 1)
}

func (e *Engine) assignRolesLocked(ctx context.Context, roomID string, conns []string) error {
	idx, err := randIndex(len(conns))
	if err != nil {
		return apperr.Internal(err, "choose impostor")
	}
	impostor := conns[idx]
	word, err := pickSecretWord()
	if err != nil {
		return apperr.Internal(err, "choose secret word")
	}
	if err := e.store.SetSecretWord(ctx, roomID, word); err != nil {
		return err
	}
	if err := e.store.SetImpostor(ctx, roomID, impostor); err != nil {
		return err
	}
	for _, id := range conns {
		role := "crew"
		if id == impostor {
			role = "impostor"
		}
		if err := e.store.SetRole(ctx, roomID, id, role); err != nil {
			return err
		}
	}
	e.notifier.SendToConn(impostor, map[string]any{"type": "role", "role": "impostor", "message": "you are impostor", "room_id": roomID})
	for _, id := range conns {
		if id == impostor {
			continue
		}
		e.notifier.SendToConn(id, map[string]any{"type": "role", "role": "crew", "word": word, "room_id": roomID})
	}
	return nil
}

// ---- Round and turn structure (spec §4.4.2) ----

func (e *Engine) startRoundLocked(ctx context.Context, roomID string, round int) error {
	order, err := e.store.GetTurnOrder(ctx, roomID)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		conns, err := e.store.ListConns(ctx, roomID)
		if err != nil {
			return err
		}
		order = append([]string(nil), conns...)
		if err := shuffle(order); err != nil {
			return apperr.Internal(err, "shuffle turn order")
		}
		if err := e.store.SetTurnOrder(ctx, roomID, order); err != nil {
			return err
		}
	}
	if err := e.store.ClearTurnWords(ctx, roomID); err != nil {
		return err
	}
	settings, err := e.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return err
	}
	ts := store.TurnState{
		Phase:         store.PhaseActive,
		Round:         round,
		TurnIndex:     0,
		CurrentConnID: order[0],
		DeadlineTS:    e.nowFloat() + float64(settings.TurnDuration),
		TurnDuration:  settings.TurnDuration,
		RoundTime:     settings.RoundTime,
		TurnGrace:     settings.TurnGrace,
	}
	if err := e.store.SetTurnState(ctx, roomID, ts); err != nil {
		return err
	}
	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return err
	}
	e.notifier.Broadcast(conns, map[string]any{
		"type": "round_started", "room_id": roomID, "round": round,
		"order": order, "turn_duration": settings.TurnDuration,
	})
	e.notifier.Broadcast(conns, map[string]any{
		"type": "turn_started", "room_id": roomID, "round": round,
		"turn_index": 0, "conn_id": order[0], "turn_duration": settings.TurnDuration,
	})
	e.launchTimer(roomID, func(c context.Context) { e.runTurnTimer(c, roomID) })
	return nil
}

func (e *Engine) runTurnTimer(ctx context.Context, roomID string) {
	for {
		ts, ok, err := e.store.GetTurnState(ctx, roomID)
		if err != nil || !ok || ts.Phase != store.PhaseActive {
			return
		}
		remaining := int(math.Floor(ts.DeadlineTS - e.nowFloat()))
		if remaining <= 0 {
			e.advanceTurnFromTimer(ctx, roomID, ts.Round, ts.TurnIndex, ReasonTimeout)
			return
		}
		conns, err := e.store.ListConns(ctx, roomID)
		if err == nil {
			e.notifier.Broadcast(conns, map[string]any{
				"type": "turn_timer", "room_id": roomID, "round": ts.Round,
				"turn_index": ts.TurnIndex, "remaining": remaining, "phase": "active",
			})
		}
		if e.sleepTick(ctx) {
			return
		}
	}
}

func (e *Engine) advanceTurnFromTimer(ctx context.Context, roomID string, round, turnIndex int, reason TurnEndReason) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	e.advanceTurnLocked(ctx, roomID, round, turnIndex, reason)
}

// advanceTurnLocked requires the caller to already hold roomLock(roomID).
// It re-checks the state is still the one the caller observed, bailing
// out if a concurrent transition already moved past it.
func (e *Engine) advanceTurnLocked(ctx context.Context, roomID string, round, turnIndex int, reason TurnEndReason) {
	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil || !ok || ts.Phase != store.PhaseActive || ts.Round != round || ts.TurnIndex != turnIndex {
		return
	}
	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return
	}
	order, err := e.store.GetTurnOrder(ctx, roomID)
	if err != nil {
		return
	}
	e.notifier.Broadcast(conns, map[string]any{
		"type": "turn_ended", "room_id": roomID, "round": round,
		"turn_index": turnIndex, "conn_id": ts.CurrentConnID, "reason": reason,
	})

	next := turnIndex + 1
	if next >= len(order) {
		e.enterVotingLocked(ctx, roomID, round)
		return
	}

	settings, err := e.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return
	}
	newTS := store.TurnState{
		Phase: store.PhaseActive, Round: round, TurnIndex: next,
		CurrentConnID: order[next], DeadlineTS: e.nowFloat() + float64(settings.TurnDuration),
		TurnDuration: settings.TurnDuration, RoundTime: settings.RoundTime, TurnGrace: settings.TurnGrace,
	}
	if err := e.store.SetTurnState(ctx, roomID, newTS); err != nil {
		return
	}
	e.notifier.Broadcast(conns, map[string]any{
		"type": "turn_started", "room_id": roomID, "round": round,
		"turn_index": next, "conn_id": order[next], "turn_duration": settings.TurnDuration,
	})
	e.launchTimer(roomID, func(c context.Context) { e.runTurnTimer(c, roomID) })
}

// ---- Per-turn operations (spec §4.4.3) ----

// SubmitTurnWord records word for the current speaker and advances the
// turn with reason "spoken".
func (e *Engine) SubmitTurnWord(ctx context.Context, roomID, connID, word string) (store.WordEntry, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil {
		return store.WordEntry{}, err
	}
	if !ok || ts.Phase != store.PhaseActive {
		return store.WordEntry{}, apperr.Conflict("no active turn in room %q", roomID)
	}
	if ts.CurrentConnID != connID {
		return store.WordEntry{}, apperr.Forbidden("it is not %q's turn", connID)
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return store.WordEntry{}, apperr.Validation("word must not be empty")
	}

	entry := store.WordEntry{Word: word, ConnID: connID, Round: ts.Round, TurnIndex: ts.TurnIndex}
	if err := e.store.AppendTurnWord(ctx, roomID, entry); err != nil {
		return store.WordEntry{}, err
	}
	if err := e.store.AppendWordHistory(ctx, roomID, entry); err != nil {
		return store.WordEntry{}, err
	}
	if conns, err := e.store.ListConns(ctx, roomID); err == nil {
		e.notifier.Broadcast(conns, map[string]any{
			"type": "turn_word_submitted", "room_id": roomID, "word": word,
			"conn_id": connID, "round": ts.Round, "turn_index": ts.TurnIndex,
		})
	}
	e.advanceTurnLocked(ctx, roomID, ts.Round, ts.TurnIndex, ReasonSpoken)
	return entry, nil
}

// HandleTurnMessage treats any chat frame from the current speaker as
// having spoken. A no-op for anyone else or outside an active turn.
func (e *Engine) HandleTurnMessage(ctx context.Context, roomID, connID string) error {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		return err
	}
	if ts.Phase == store.PhaseActive && ts.CurrentConnID == connID {
		e.advanceTurnLocked(ctx, roomID, ts.Round, ts.TurnIndex, ReasonSpoken)
	}
	return nil
}

// ---- Voting phase (spec §4.4.4) ----

func (e *Engine) enterVotingLocked(ctx context.Context, roomID string, round int) {
	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return
	}
	if len(conns) == 0 {
		return
	}
	voters := append([]string(nil), conns...)
	if err := e.store.ClearVotes(ctx, roomID); err != nil {
		return
	}
	settings, err := e.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return
	}
	ts := store.TurnState{
		Phase: store.PhaseVoting, Round: round, Voters: voters,
		VoteDeadlineTS: e.nowFloat() + float64(settings.RoundTime),
		TurnDuration:   settings.TurnDuration, RoundTime: settings.RoundTime, TurnGrace: settings.TurnGrace,
	}
	if err := e.store.SetTurnState(ctx, roomID, ts); err != nil {
		return
	}
	e.notifier.Broadcast(conns, map[string]any{"type": "round_ended", "room_id": roomID, "round": round})
	e.notifier.Broadcast(conns, map[string]any{
		"type": "voting_started", "room_id": roomID, "round": round,
		"voters": voters, "vote_duration": settings.RoundTime,
	})
	e.launchTimer(roomID, func(c context.Context) { e.runVotingTimer(c, roomID) })
}

func (e *Engine) runVotingTimer(ctx context.Context, roomID string) {
	for {
		ts, ok, err := e.store.GetTurnState(ctx, roomID)
		if err != nil || !ok || ts.Phase != store.PhaseVoting {
			return
		}
		remaining := int(math.Floor(ts.VoteDeadlineTS - e.nowFloat()))
		if remaining <= 0 {
			e.finalizeVotingFromTimer(ctx, roomID, ts.Round)
			return
		}
		if conns, err := e.store.ListConns(ctx, roomID); err == nil {
			e.notifier.Broadcast(conns, map[string]any{
				"type": "turn_timer", "room_id": roomID, "round": ts.Round,
				"remaining": remaining, "phase": "voting",
			})
		}
		if e.sleepTick(ctx) {
			return
		}
	}
}

func (e *Engine) finalizeVotingFromTimer(ctx context.Context, roomID string, round int) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	e.finalizeVotingLocked(ctx, roomID, round)
}

func (e *Engine) finalizeVotingLocked(ctx context.Context, roomID string, round int) {
	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil || !ok || ts.Phase != store.PhaseVoting || ts.Round != round {
		return
	}
	votes, err := e.store.GetVotes(ctx, roomID)
	if err != nil {
		return
	}
	tally := tallyVotes(votes)
	total := len(ts.Voters)
	majority := total/2 + 1

	votedOut := ""
	for _, id := range ts.Voters {
		if count, ok := tally[id]; ok && count >= majority {
			votedOut = id
			break
		}
	}

	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return
	}

	if votedOut != "" {
		impostor, err := e.store.GetImpostor(ctx, roomID)
		if err != nil {
			return
		}
		winner := "impostor"
		if votedOut == impostor {
			winner = "crew"
		}
		result := map[string]any{"winner": winner, "reason": "voted_out", "voted_out": votedOut, "tally": tally, "votes": votes}
		e.notifier.Broadcast(conns, map[string]any{"type": "voting_result", "room_id": roomID, "result": result})
		e.endGameLocked(ctx, roomID, result)
		return
	}

	result := map[string]any{"winner": nil, "reason": "no_majority", "tally": tally, "votes": votes}
	e.notifier.Broadcast(conns, map[string]any{"type": "voting_result", "room_id": roomID, "result": result})
	if err := e.store.ClearVotes(ctx, roomID); err != nil {
		return
	}
	e.startRoundLocked(ctx, roomID, round+1)
}

// CastVote records voter's vote for target, finalizing the round if the
// deadline has passed or every voter has now voted.
func (e *Engine) CastVote(ctx context.Context, roomID, voter, target string) (map[string]string, map[string]int, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if !ok || ts.Phase != store.PhaseVoting {
		return nil, nil, apperr.Conflict("room %q is not in a voting phase", roomID)
	}
	if e.nowFloat() >= ts.VoteDeadlineTS {
		e.finalizeVotingLocked(ctx, roomID, ts.Round)
		return nil, nil, apperr.Conflict("voting deadline has passed")
	}
	if !contains(ts.Voters, voter) {
		return nil, nil, apperr.Forbidden("%q is not eligible to vote", voter)
	}
	if target != "skip" && !contains(ts.Voters, target) {
		return nil, nil, apperr.Conflict("invalid vote target %q", target)
	}
	votes, err := e.store.GetVotes(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	if _, already := votes[voter]; already {
		return nil, nil, apperr.Conflict("%q has already voted", voter)
	}
	if err := e.store.SetVote(ctx, roomID, voter, target); err != nil {
		return nil, nil, err
	}
	votes[voter] = target
	tally := tallyVotes(votes)

	if conns, err := e.store.ListConns(ctx, roomID); err == nil {
		e.notifier.Broadcast(conns, map[string]any{
			"type": "vote_cast", "room_id": roomID, "voter": voter,
			"target": target, "votes": votes, "tally": tally,
		})
	}
	if len(votes) >= len(ts.Voters) {
		e.finalizeVotingLocked(ctx, roomID, ts.Round)
	}
	return votes, tally, nil
}

// ---- Impostor guess (spec §4.4.5) ----

// GuessWord lets the impostor attempt the secret word; either outcome
// ends the game.
func (e *Engine) GuessWord(ctx context.Context, roomID, connID, guess string) error {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	impostor, err := e.store.GetImpostor(ctx, roomID)
	if err != nil {
		return err
	}
	if connID != impostor {
		return apperr.Forbidden("only the impostor may guess the word")
	}
	guess = strings.TrimSpace(guess)
	if guess == "" {
		return apperr.Validation("guess must not be empty")
	}
	word, err := e.store.GetSecretWord(ctx, roomID)
	if err != nil {
		return err
	}

	var result map[string]any
	if normalizeWord(guess) == normalizeWord(word) {
		result = map[string]any{"winner": "impostor", "reason": "impostor_guessed"}
	} else {
		result = map[string]any{"winner": "crew", "reason": "impostor_failed_guess"}
	}
	_, err = e.endGameLocked(ctx, roomID, result)
	return err
}

// ---- Disconnect / pause / reconnect (spec §4.4.6) ----

// HandleDisconnect pauses the current speaker's turn if connID was
// holding the floor, starting the grace window.
func (e *Engine) HandleDisconnect(ctx context.Context, roomID, connID string) error {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		return err
	}
	if ts.Phase != store.PhaseActive || ts.CurrentConnID != connID {
		return nil
	}
	settings, err := e.store.GetRoomSettings(ctx, roomID)
	if err != nil {
		return err
	}
	remaining := int(math.Max(0, ts.DeadlineTS-e.nowFloat()))
	newTS := ts
	newTS.Phase = store.PhasePaused
	newTS.TurnRemaining = remaining
	newTS.GraceDeadlineTS = e.nowFloat() + float64(settings.TurnGrace)
	if err := e.store.SetTurnState(ctx, roomID, newTS); err != nil {
		return err
	}
	if conns, err := e.store.ListConns(ctx, roomID); err == nil {
		e.notifier.Broadcast(conns, map[string]any{
			"type": "turn_paused", "room_id": roomID, "remaining": settings.TurnGrace,
		})
	}
	e.launchTimer(roomID, func(c context.Context) { e.runGraceTimer(c, roomID) })
	return nil
}

func (e *Engine) runGraceTimer(ctx context.Context, roomID string) {
	for {
		ts, ok, err := e.store.GetTurnState(ctx, roomID)
		if err != nil || !ok || ts.Phase != store.PhasePaused {
			return
		}
		remaining := int(math.Floor(ts.GraceDeadlineTS - e.nowFloat()))
		if remaining <= 0 {
			e.advanceTurnFromTimer(ctx, roomID, ts.Round, ts.TurnIndex, ReasonSkipped)
			return
		}
		if conns, err := e.store.ListConns(ctx, roomID); err == nil {
			e.notifier.Broadcast(conns, map[string]any{
				"type": "turn_timer", "room_id": roomID, "round": ts.Round,
				"turn_index": ts.TurnIndex, "remaining": remaining, "phase": "grace",
			})
		}
		if e.sleepTick(ctx) {
			return
		}
	}
}

// HandleReconnect re-sends role state if role is non-empty, then
// resumes a paused turn if connID was the paused speaker.
func (e *Engine) HandleReconnect(ctx context.Context, roomID, connID, role string) error {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	if role == "impostor" {
		e.notifier.SendToConn(connID, map[string]any{"type": "role", "role": "impostor", "message": "you are impostor", "room_id": roomID})
	} else if role == "crew" {
		word, err := e.store.GetSecretWord(ctx, roomID)
		if err != nil {
			return err
		}
		e.notifier.SendToConn(connID, map[string]any{"type": "role", "role": "crew", "word": word, "room_id": roomID})
	}

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		return err
	}
	if ts.Phase != store.PhasePaused || ts.CurrentConnID != connID {
		return nil
	}
	if ts.TurnRemaining <= 0 {
		e.advanceTurnLocked(ctx, roomID, ts.Round, ts.TurnIndex, ReasonSkipped)
		return nil
	}
	newTS := ts
	newTS.Phase = store.PhaseActive
	newTS.DeadlineTS = e.nowFloat() + float64(ts.TurnRemaining)
	remaining := ts.TurnRemaining
	newTS.TurnRemaining = 0
	newTS.GraceDeadlineTS = 0
	if err := e.store.SetTurnState(ctx, roomID, newTS); err != nil {
		return err
	}
	if conns, err := e.store.ListConns(ctx, roomID); err == nil {
		e.notifier.Broadcast(conns, map[string]any{"type": "turn_resumed", "room_id": roomID, "remaining": remaining})
	}
	e.launchTimer(roomID, func(c context.Context) { e.runTurnTimer(c, roomID) })
	return nil
}

// ---- End game (spec §4.4.7) ----

// EndGame ends the room's game, optionally with a caller-supplied
// result, and resets all transient game state.
func (e *Engine) EndGame(ctx context.Context, roomID string, result map[string]any) (map[string]any, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	return e.endGameLocked(ctx, roomID, result)
}

func (e *Engine) endGameLocked(ctx context.Context, roomID string, result map[string]any) (map[string]any, error) {
	res, err := e.store.EndGame(ctx, roomID, result)
	if err != nil {
		return nil, err
	}
	conns, err := e.store.ListConns(ctx, roomID)
	if err != nil {
		return nil, err
	}
	e.notifier.Broadcast(conns, map[string]any{"type": "game_ended", "room_id": roomID, "result": res})

	for _, id := range conns {
		if err := e.store.SetReady(ctx, roomID, id, false); err != nil {
			return nil, err
		}
	}
	lobby, err := e.store.GetLobbyState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	e.notifier.Broadcast(conns, map[string]any{"type": "lobby_state", "room_id": roomID, "lobby": lobby})

	if err := e.store.ClearRoles(ctx, roomID); err != nil {
		return nil, err
	}
	if err := e.store.ClearTurnState(ctx, roomID); err != nil {
		return nil, err
	}
	if err := e.store.ClearVotes(ctx, roomID); err != nil {
		return nil, err
	}
	if err := e.store.ClearTurnWords(ctx, roomID); err != nil {
		return nil, err
	}
	if err := e.store.ClearWordHistory(ctx, roomID); err != nil {
		return nil, err
	}
	e.cancelTimer(roomID)
	return res, nil
}

// ---- Snapshot (spec §4.4.8) ----

// GetTurnSnapshot returns enough state to bring a reconnecting client
// up to date: the turn state plus order/words/history/remaining, and
// voters/votes/tally while voting.
func (e *Engine) GetTurnSnapshot(ctx context.Context, roomID string) (map[string]any, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok, err := e.store.GetTurnState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	order, err := e.store.GetTurnOrder(ctx, roomID)
	if err != nil {
		return nil, err
	}
	words, err := e.store.GetTurnWords(ctx, roomID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.GetWordHistory(ctx, roomID)
	if err != nil {
		return nil, err
	}

	snapshot := map[string]any{
		"phase": ts.Phase, "round": ts.Round, "turn_index": ts.TurnIndex,
		"current_conn_id": ts.CurrentConnID, "order": order, "words": words, "history": history,
	}

	switch ts.Phase {
	case store.PhaseActive:
		snapshot["remaining"] = int(math.Floor(ts.DeadlineTS - e.nowFloat()))
	case store.PhasePaused:
		snapshot["remaining"] = int(math.Floor(ts.GraceDeadlineTS - e.nowFloat()))
	case store.PhaseVoting:
		snapshot["remaining"] = int(math.Floor(ts.VoteDeadlineTS - e.nowFloat()))
		votes, err := e.store.GetVotes(ctx, roomID)
		if err != nil {
			return nil, err
		}
		snapshot["voters"] = ts.Voters
		snapshot["votes"] = votes
		snapshot["tally"] = tallyVotes(votes)
	}
	return snapshot, nil
}
