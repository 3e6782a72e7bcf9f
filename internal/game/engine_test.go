package game

import (
	"context"
	"testing"
	"time"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/store"
	"impostor.dev/internal/store/memstore"
)

// testClock lets tests advance the engine's notion of "now" without
// sleeping, since every deadline in store.TurnState is a wall-clock
// float the engine compares via floor(deadline-now).
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }
func (c *testClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeNotifier, store.RoomStore, *testClock) {
	t.Helper()
	st := memstore.New()
	n := newFakeNotifier()
	e, err := NewEngine(st, n, 1, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	e.now = clock.now
	return e, n, st, clock
}

func TestNewEngineRejectsNonPositiveTick(t *testing.T) {
	if _, err := NewEngine(memstore.New(), newFakeNotifier(), 0, nil); err == nil {
		t.Fatalf("NewEngine with tickSeconds=0 should fail")
	}
	if _, err := NewEngine(memstore.New(), newFakeNotifier(), -1, nil); err == nil {
		t.Fatalf("NewEngine with negative tickSeconds should fail")
	}
}

// setUpRoom creates a 3-player lobby, all ready, with c1 as host, and
// returns the room id.
func setUpRoom(t *testing.T, ctx context.Context, st store.RoomStore) (roomID string) {
	t.Helper()
	roomID = "ROOM1"
	if err := st.CreateRoom(ctx, roomID, "test room"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		if err := st.AddConn(ctx, roomID, id, id, true); err != nil {
			t.Fatalf("AddConn %s: %v", id, err)
		}
	}
	return roomID
}

func TestStartGameRequiresHostAndAllReady(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)

	if err := e.StartGame(ctx, roomID, "c2"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("non-host StartGame = %v, want KindForbidden", err)
	}

	st.SetReady(ctx, roomID, "c2", false)
	if err := e.StartGame(ctx, roomID, "c1"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("StartGame with a not-ready player = %v, want KindConflict", err)
	}
}

func TestStartGameAssignsExactlyOneImpostor(t *testing.T) {
	e, notifier, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)

	if err := e.StartGame(ctx, roomID, "c1"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	impostor, err := st.GetImpostor(ctx, roomID)
	if err != nil || impostor == "" {
		t.Fatalf("GetImpostor = %q, %v", impostor, err)
	}
	crewCount, impostorCount := 0, 0
	for _, id := range []string{"c1", "c2", "c3"} {
		attrs, _, _ := st.GetConnAttrs(ctx, roomID, id)
		switch attrs.Role {
		case "impostor":
			impostorCount++
		case "crew":
			crewCount++
		default:
			t.Fatalf("conn %s has unexpected role %q", id, attrs.Role)
		}
	}
	if impostorCount != 1 || crewCount != 2 {
		t.Fatalf("roles = %d impostor, %d crew, want 1 and 2", impostorCount, crewCount)
	}
	if _, ok := notifier.last("send"); !ok {
		t.Fatalf("expected at least one direct role send")
	}

	state, err := st.GetGameState(ctx, roomID)
	if err != nil || state != store.StateInProgress {
		t.Fatalf("GetGameState = %v, %v, want in_progress", state, err)
	}

	ts, ok, err := st.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		t.Fatalf("GetTurnState: %v, %v", ok, err)
	}
	if ts.Phase != store.PhaseActive || ts.Round != 1 || ts.TurnIndex != 0 {
		t.Fatalf("initial turn state = %+v, want round 1 turn_index 0 active", ts)
	}
}

func TestSubmitTurnWordAdvancesTurnAndRejectsWrongSpeaker(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	ts, _, _ := st.GetTurnState(ctx, roomID)
	order, _ := st.GetTurnOrder(ctx, roomID)
	speaker := order[0]
	notSpeaker := order[1]

	if _, err := e.SubmitTurnWord(ctx, roomID, notSpeaker, "anything"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("SubmitTurnWord from non-speaker = %v, want KindForbidden", err)
	}

	if _, err := e.SubmitTurnWord(ctx, roomID, speaker, "apple"); err != nil {
		t.Fatalf("SubmitTurnWord: %v", err)
	}

	newTS, ok, err := st.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		t.Fatalf("GetTurnState: %v, %v", ok, err)
	}
	if newTS.TurnIndex != ts.TurnIndex+1 {
		t.Fatalf("turn index did not advance: %+v", newTS)
	}
	if newTS.CurrentConnID != order[1] {
		t.Fatalf("current speaker = %q, want %q", newTS.CurrentConnID, order[1])
	}

	words, err := st.GetTurnWords(ctx, roomID)
	if err != nil || len(words) != 1 || words[0].Word != "apple" {
		t.Fatalf("GetTurnWords = %v, %v", words, err)
	}
}

func TestSubmitTurnWordRejectsEmptyAndOutsideActiveTurn(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	order, _ := st.GetTurnOrder(ctx, roomID)
	speaker := order[0]

	if _, err := e.SubmitTurnWord(ctx, roomID, speaker, "   "); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("empty word = %v, want KindValidation", err)
	}

	st.ClearTurnState(ctx, roomID)
	if _, err := e.SubmitTurnWord(ctx, roomID, speaker, "word"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("SubmitTurnWord with no active turn = %v, want KindConflict", err)
	}
}

func TestFullRoundEntersVoting(t *testing.T) {
	e, notifier, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	order, _ := st.GetTurnOrder(ctx, roomID)
	for range order {
		ts, _, _ := st.GetTurnState(ctx, roomID)
		if ts.Phase != store.PhaseActive {
			break
		}
		if _, err := e.SubmitTurnWord(ctx, roomID, ts.CurrentConnID, "word"); err != nil {
			t.Fatalf("SubmitTurnWord: %v", err)
		}
	}

	ts, ok, err := st.GetTurnState(ctx, roomID)
	if err != nil || !ok {
		t.Fatalf("GetTurnState: %v, %v", ok, err)
	}
	if ts.Phase != store.PhaseVoting {
		t.Fatalf("phase after full round = %v, want voting", ts.Phase)
	}
	if len(ts.Voters) != len(order) {
		t.Fatalf("voters = %v, want all %d members", ts.Voters, len(order))
	}

	foundVotingStarted := false
	for _, ty := range notifier.typesFor(order[0]) {
		if ty == "voting_started" {
			foundVotingStarted = true
		}
	}
	if !foundVotingStarted {
		t.Fatalf("expected a voting_started broadcast")
	}
}

func castAllVotesFor(t *testing.T, ctx context.Context, e *Engine, roomID string, voters []string, target string) {
	t.Helper()
	for _, v := range voters {
		e.CastVote(ctx, roomID, v, target)
	}
}

func TestCastVoteMajorityEndsGameWithImpostorIdentity(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")
	impostor, _ := st.GetImpostor(ctx, roomID)

	// Drive the round to completion so we enter voting.
	order, _ := st.GetTurnOrder(ctx, roomID)
	for range order {
		ts, _, _ := st.GetTurnState(ctx, roomID)
		if ts.Phase != store.PhaseActive {
			break
		}
		e.SubmitTurnWord(ctx, roomID, ts.CurrentConnID, "word")
	}

	ts, _, _ := st.GetTurnState(ctx, roomID)
	if ts.Phase != store.PhaseVoting {
		t.Fatalf("expected voting phase, got %v", ts.Phase)
	}

	castAllVotesFor(t, ctx, e, roomID, ts.Voters, impostor)

	state, err := st.GetGameState(ctx, roomID)
	if err != nil || state != store.StateEnded {
		t.Fatalf("GetGameState = %v, %v, want ended (majority reached)", state, err)
	}
}

func TestCastVoteRejectsDoubleVoteAndIneligibleVoter(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	order, _ := st.GetTurnOrder(ctx, roomID)
	for range order {
		ts, _, _ := st.GetTurnState(ctx, roomID)
		if ts.Phase != store.PhaseActive {
			break
		}
		e.SubmitTurnWord(ctx, roomID, ts.CurrentConnID, "word")
	}

	ts, _, _ := st.GetTurnState(ctx, roomID)
	voter := ts.Voters[0]
	target := ts.Voters[1]

	if _, _, err := e.CastVote(ctx, roomID, voter, target); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, _, err := e.CastVote(ctx, roomID, voter, target); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("double vote = %v, want KindConflict", err)
	}
	if _, _, err := e.CastVote(ctx, roomID, "nobody", target); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("ineligible voter = %v, want KindForbidden", err)
	}
}

func TestGuessWordOnlyImpostorCanGuess(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")
	impostor, _ := st.GetImpostor(ctx, roomID)

	var crew string
	for _, id := range []string{"c1", "c2", "c3"} {
		if id != impostor {
			crew = id
			break
		}
	}

	if err := e.GuessWord(ctx, roomID, crew, "anything"); apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("crew guessing = %v, want KindForbidden", err)
	}

	word, _ := st.GetSecretWord(ctx, roomID)
	if err := e.GuessWord(ctx, roomID, impostor, word); err != nil {
		t.Fatalf("correct guess: %v", err)
	}
	state, _ := st.GetGameState(ctx, roomID)
	if state != store.StateEnded {
		t.Fatalf("game state after correct guess = %v, want ended", state)
	}
}

func TestGuessWordIsCaseAndWhitespaceInsensitive(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")
	impostor, _ := st.GetImpostor(ctx, roomID)
	word, _ := st.GetSecretWord(ctx, roomID)

	if err := e.GuessWord(ctx, roomID, impostor, "  "+word+"  "); err != nil {
		t.Fatalf("padded guess: %v", err)
	}
	state, _ := st.GetGameState(ctx, roomID)
	if state != store.StateEnded {
		t.Fatalf("GetGameState = %v, want ended (guess normalization should match)", state)
	}
}

func TestHandleDisconnectPausesCurrentSpeakerOnly(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	ts, _, _ := st.GetTurnState(ctx, roomID)
	speaker := ts.CurrentConnID
	var other string
	for _, id := range []string{"c1", "c2", "c3"} {
		if id != speaker {
			other = id
			break
		}
	}

	if err := e.HandleDisconnect(ctx, roomID, other); err != nil {
		t.Fatalf("HandleDisconnect non-speaker: %v", err)
	}
	unchanged, _, _ := st.GetTurnState(ctx, roomID)
	if unchanged.Phase != store.PhaseActive {
		t.Fatalf("non-speaker disconnect should not pause the turn, got phase %v", unchanged.Phase)
	}

	if err := e.HandleDisconnect(ctx, roomID, speaker); err != nil {
		t.Fatalf("HandleDisconnect speaker: %v", err)
	}
	paused, _, _ := st.GetTurnState(ctx, roomID)
	if paused.Phase != store.PhasePaused {
		t.Fatalf("speaker disconnect should pause the turn, got phase %v", paused.Phase)
	}
	if paused.TurnRemaining <= 0 {
		t.Fatalf("paused turn should record remaining time, got %d", paused.TurnRemaining)
	}
}

func TestHandleReconnectResumesPausedTurn(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	ts, _, _ := st.GetTurnState(ctx, roomID)
	speaker := ts.CurrentConnID
	attrs, _, _ := st.GetConnAttrs(ctx, roomID, speaker)

	e.HandleDisconnect(ctx, roomID, speaker)
	if err := e.HandleReconnect(ctx, roomID, speaker, attrs.Role); err != nil {
		t.Fatalf("HandleReconnect: %v", err)
	}

	resumed, _, _ := st.GetTurnState(ctx, roomID)
	if resumed.Phase != store.PhaseActive {
		t.Fatalf("reconnect should resume the turn, got phase %v", resumed.Phase)
	}
	if resumed.CurrentConnID != speaker {
		t.Fatalf("resumed turn speaker = %q, want %q", resumed.CurrentConnID, speaker)
	}
}

func TestEndGameResetsTransientStateAndReady(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	if _, err := e.EndGame(ctx, roomID, map[string]any{"winner": "crew", "reason": "host_ended"}); err != nil {
		t.Fatalf("EndGame: %v", err)
	}

	state, _ := st.GetGameState(ctx, roomID)
	if state != store.StateEnded {
		t.Fatalf("GetGameState = %v, want ended", state)
	}
	if _, ok, _ := st.GetTurnState(ctx, roomID); ok {
		t.Fatalf("turn state should be cleared after EndGame")
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		attrs, _, _ := st.GetConnAttrs(ctx, roomID, id)
		if attrs.Ready {
			t.Fatalf("conn %s should be un-readied after EndGame", id)
		}
		if attrs.Role != "" {
			t.Fatalf("conn %s should have its role cleared after EndGame", id)
		}
	}
}

func TestGetTurnSnapshotReflectsActivePhase(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)
	e.StartGame(ctx, roomID, "c1")

	snap, err := e.GetTurnSnapshot(ctx, roomID)
	if err != nil {
		t.Fatalf("GetTurnSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatalf("expected a non-nil snapshot for an in-progress game")
	}
	if snap["phase"] != store.PhaseActive {
		t.Fatalf("snapshot phase = %v, want active", snap["phase"])
	}
}

func TestGetTurnSnapshotNilWhenNoGameStarted(t *testing.T) {
	e, _, st, _ := newTestEngine(t)
	ctx := context.Background()
	roomID := setUpRoom(t, ctx, st)

	snap, err := e.GetTurnSnapshot(ctx, roomID)
	if err != nil {
		t.Fatalf("GetTurnSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot before a game starts, got %v", snap)
	}
}
