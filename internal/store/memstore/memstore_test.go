package memstore

import (
	"context"
	"testing"

	"impostor.dev/internal/apperr"
	"impostor.dev/internal/store"
)

func TestCreateRoomAndGetRoomName(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateRoom(ctx, "ROOM1", "My Room"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	name, ok, err := s.GetRoomName(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetRoomName: %v", err)
	}
	if !ok || name != "My Room" {
		t.Fatalf("GetRoomName = %q, %v, want %q, true", name, ok, "My Room")
	}

	if _, ok, err := s.GetRoomName(ctx, "NOPE"); err != nil || ok {
		t.Fatalf("GetRoomName for missing room = %v, %v, want false, nil", ok, err)
	}
}

func TestAddConnElectsFirstJoinerHost(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")

	if err := s.AddConn(ctx, "ROOM1", "c1", "alice", false); err != nil {
		t.Fatalf("AddConn c1: %v", err)
	}
	if err := s.AddConn(ctx, "ROOM1", "c2", "bob", false); err != nil {
		t.Fatalf("AddConn c2: %v", err)
	}
	host, err := s.GetHost(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host != "c1" {
		t.Fatalf("host = %q, want c1 (first joiner)", host)
	}
}

func TestRemoveConnReelectsHostLexicographically(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")
	s.AddConn(ctx, "ROOM1", "c2", "bob", false)
	s.AddConn(ctx, "ROOM1", "c1", "alice", false)
	s.AddConn(ctx, "ROOM1", "c3", "carol", false)

	if err := s.RemoveConn(ctx, "ROOM1", "c2"); err != nil {
		t.Fatalf("RemoveConn: %v", err)
	}
	host, err := s.GetHost(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host != "c1" {
		t.Fatalf("host after removing the first-joiner host c2 = %q, want lexicographically-smallest remaining c1", host)
	}

	if err := s.RemoveConn(ctx, "ROOM1", "c1"); err != nil {
		t.Fatalf("RemoveConn: %v", err)
	}
	host, err = s.GetHost(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host != "c3" {
		t.Fatalf("host after removing the host = %q, want lexicographically-smallest remaining c3", host)
	}
}

func TestListConnsIsSorted(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")
	s.AddConn(ctx, "ROOM1", "zz", "z", false)
	s.AddConn(ctx, "ROOM1", "aa", "a", false)
	s.AddConn(ctx, "ROOM1", "mm", "m", false)

	conns, err := s.ListConns(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("ListConns: %v", err)
	}
	want := []string{"aa", "mm", "zz"}
	if len(conns) != len(want) {
		t.Fatalf("ListConns = %v, want %v", conns, want)
	}
	for i := range want {
		if conns[i] != want[i] {
			t.Fatalf("ListConns = %v, want %v", conns, want)
		}
	}
}

func TestTurnStateRoundTripIsDeepCopied(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")

	in := store.TurnState{Phase: store.PhaseVoting, Round: 2, Voters: []string{"a", "b"}}
	if err := s.SetTurnState(ctx, "ROOM1", in); err != nil {
		t.Fatalf("SetTurnState: %v", err)
	}
	in.Voters[0] = "mutated"

	out, ok, err := s.GetTurnState(ctx, "ROOM1")
	if err != nil || !ok {
		t.Fatalf("GetTurnState: %v, %v", ok, err)
	}
	if out.Voters[0] != "a" {
		t.Fatalf("GetTurnState returned a slice aliased to the caller's input: got %v", out.Voters)
	}
}

func TestResumeTokenIssueAndConsume(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")
	s.AddConn(ctx, "ROOM1", "c1", "alice", true)

	token, err := s.IssueResumeToken(ctx, "ROOM1", "c1")
	if err != nil {
		t.Fatalf("IssueResumeToken: %v", err)
	}
	if token == "" {
		t.Fatalf("IssueResumeToken returned empty token")
	}

	snap, err := s.PeekResumeToken(ctx, token)
	if err != nil {
		t.Fatalf("PeekResumeToken: %v", err)
	}
	if snap.ConnID != "c1" || snap.Nickname != "alice" || !snap.Ready {
		t.Fatalf("PeekResumeToken snapshot = %+v, want conn c1/alice/ready", snap)
	}

	if _, err := s.ConsumeResumeToken(ctx, token); err != nil {
		t.Fatalf("ConsumeResumeToken: %v", err)
	}
	if _, err := s.ConsumeResumeToken(ctx, token); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("second ConsumeResumeToken should fail NotFound, got %v", err)
	}
}

func TestSetRoomSettingsPartialPatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.CreateRoom(ctx, "ROOM1", "")

	if err := s.SetRoomSettings(ctx, "ROOM1", map[string]int{"turn_duration": 45}); err != nil {
		t.Fatalf("SetRoomSettings: %v", err)
	}
	settings, err := s.GetRoomSettings(ctx, "ROOM1")
	if err != nil {
		t.Fatalf("GetRoomSettings: %v", err)
	}
	defaults := store.DefaultSettings()
	if settings.TurnDuration != 45 {
		t.Fatalf("TurnDuration = %d, want 45", settings.TurnDuration)
	}
	if settings.MaxPlayers != defaults.MaxPlayers {
		t.Fatalf("MaxPlayers changed unexpectedly: %d, want default %d", settings.MaxPlayers, defaults.MaxPlayers)
	}
}

func TestOperationsOnMissingRoomReturnNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.AddConn(ctx, "GHOST", "c1", "a", false); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("AddConn on missing room = %v, want KindNotFound", err)
	}
}

var _ store.RoomStore = (*Store)(nil)
