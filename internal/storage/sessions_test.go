package storage

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(id string) CallSession {
	return CallSession{
		ID:         id,
		CallerID:   "peer-alice",
		ReceiverID: "peer-bob",
		CallType:   CallVideo,
		Status:     StatusPending,
		Version:    1,
	}
}

func TestCreateSessionValidation(t *testing.T) {
	db := openTestDB(t)

	s := newSession("call-1")
	s.ReceiverID = s.CallerID
	if err := db.CreateSession(s); !errors.Is(err, ErrSameParticipants) {
		t.Fatalf("same participants: got %v, want ErrSameParticipants", err)
	}

	s = newSession("call-2")
	s.CallType = "screenshare"
	if err := db.CreateSession(s); !errors.Is(err, ErrInvalidCallType) {
		t.Fatalf("bad call type: got %v, want ErrInvalidCallType", err)
	}

	s = newSession("call-3")
	s.Status = StatusAccepted
	if err := db.CreateSession(s); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("non-pending create: got %v, want ErrInvalidTransition", err)
	}

	if err := db.CreateSession(newSession("call-4")); err != nil {
		t.Fatalf("valid create: %v", err)
	}
	got, err := db.GetSession("call-4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Version != 1 {
		t.Fatalf("fresh session: status=%s version=%d", got.Status, got.Version)
	}
	if got.StartedAt != nil || got.EndedAt != nil {
		t.Fatal("fresh session must have no started_at/ended_at")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetSession("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusEnded, true},
		{StatusPending, StatusMissed, true},
		{StatusAccepted, StatusEnded, true},
		{StatusAccepted, StatusRejected, false},
		{StatusAccepted, StatusMissed, false},
		{StatusAccepted, StatusPending, false},
		{StatusRejected, StatusEnded, false},
		{StatusEnded, StatusAccepted, false},
		{StatusMissed, StatusEnded, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			db := openTestDB(t)
			id := "call-" + string(tc.from) + string(tc.to)
			if err := db.CreateSession(newSession(id)); err != nil {
				t.Fatalf("create: %v", err)
			}
			// Drive to the starting state.
			if tc.from != StatusPending {
				if _, err := db.Transition(id, tc.from, time.Now()); err != nil {
					t.Fatalf("setup transition to %s: %v", tc.from, err)
				}
			}
			_, err := db.Transition(id, tc.to, time.Now())
			if tc.ok && err != nil {
				t.Fatalf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s should be rejected, got %v", tc.from, tc.to, err)
			}
		})
	}
}

func TestTransitionTimestamps(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(newSession("call-ts")); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	rec, err := db.Transition("call-ts", StatusAccepted, at)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rec.StartedAt == nil || !rec.StartedAt.Equal(at) {
		t.Fatalf("started_at = %v, want %v", rec.StartedAt, at)
	}
	if rec.EndedAt != nil {
		t.Fatal("ended_at must be unset on accept")
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}

	end := at.Add(5 * time.Minute)
	rec, err = db.Transition("call-ts", StatusEnded, end)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(end) {
		t.Fatalf("ended_at = %v, want %v", rec.EndedAt, end)
	}
	if !rec.StartedAt.Equal(at) {
		t.Fatal("started_at must not change after accept")
	}
}

func TestTerminalWithoutStart(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(newSession("call-missed")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := db.Transition("call-missed", StatusMissed, time.Now())
	if err != nil {
		t.Fatalf("miss: %v", err)
	}
	if rec.StartedAt != nil {
		t.Fatal("missed call must have no started_at")
	}
	if rec.EndedAt == nil {
		t.Fatal("missed call must have ended_at")
	}
}

func TestApplyRemoteInsertsUnknown(t *testing.T) {
	db := openTestDB(t)

	remote := newSession("call-remote")
	remote.Status = StatusAccepted
	remote.Version = 2
	now := time.Now().UTC().Truncate(time.Second)
	remote.StartedAt = &now

	stored, changed, err := db.ApplyRemote(remote)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("unknown session must be inserted")
	}
	if stored.Status != StatusAccepted || stored.Version != 2 {
		t.Fatalf("stored: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestApplyRemoteNeverRegresses(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(newSession("call-merge")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Transition("call-merge", StatusAccepted, time.Now()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A stale pending record must not clobber accepted.
	stale := newSession("call-merge")
	stale.Version = 5
	if _, changed, err := db.ApplyRemote(stale); err != nil || changed {
		t.Fatalf("stale pending applied: changed=%v err=%v", changed, err)
	}

	// Same version, no change either.
	same := newSession("call-merge")
	same.Status = StatusAccepted
	same.Version = 2
	if _, changed, err := db.ApplyRemote(same); err != nil || changed {
		t.Fatalf("same version applied: changed=%v err=%v", changed, err)
	}

	// A newer terminal record wins.
	done := newSession("call-merge")
	done.Status = StatusEnded
	done.Version = 3
	end := time.Now().UTC().Truncate(time.Second)
	done.EndedAt = &end
	stored, changed, err := db.ApplyRemote(done)
	if err != nil || !changed {
		t.Fatalf("newer terminal: changed=%v err=%v", changed, err)
	}
	if stored.Status != StatusEnded || stored.EndedAt == nil {
		t.Fatalf("stored: %+v", stored)
	}

	// Terminal records are immutable, whatever arrives next.
	later := done
	later.Status = StatusAccepted
	later.Version = 9
	if _, changed, err := db.ApplyRemote(later); err != nil || changed {
		t.Fatalf("terminal mutated: changed=%v err=%v", changed, err)
	}
}

func TestCorruptTimestampLogged(t *testing.T) {
	db := openTestDB(t)
	if err := db.CreateSession(newSession("call-bad-ts")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Transition("call-bad-ts", StatusAccepted, time.Now()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := db.Transition("call-bad-ts", StatusEnded, time.Now()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := db.db.Exec("UPDATE call_sessions SET ended_at = 'garbage' WHERE id = ?", "call-bad-ts"); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	got, err := db.GetSession("call-bad-ts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EndedAt != nil {
		t.Fatalf("ended_at = %v, want nil for corrupt value", got.EndedAt)
	}
	if !strings.Contains(buf.String(), "unparseable timestamp") {
		t.Fatalf("corrupt timestamp not logged, log output: %q", buf.String())
	}
}

func TestListSessionsScopedAndOrdered(t *testing.T) {
	db := openTestDB(t)

	a := newSession("call-a")
	b := newSession("call-b")
	c := CallSession{
		ID: "call-c", CallerID: "peer-carol", ReceiverID: "peer-dave",
		CallType: CallAudio, Status: StatusPending, Version: 1,
	}
	for _, s := range []CallSession{a, b, c} {
		if err := db.CreateSession(s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	got, err := db.ListSessions("peer-alice", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice sees %d sessions, want 2", len(got))
	}
	for _, s := range got {
		if !s.Involves("peer-alice") {
			t.Fatalf("leaked session %s", s.ID)
		}
	}

	got, err = db.ListSessions("peer-alice", 1, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("limit: len=%d err=%v", len(got), err)
	}

	if got, _ := db.ListSessions("peer-nobody", 10, 0); len(got) != 0 {
		t.Fatalf("stranger sees %d sessions", len(got))
	}
}
