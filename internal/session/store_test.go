package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/storage"
)

// memPipe links two stores directly, standing in for the stream protocol.
// Delivery is synchronous, like a real send that returns after the ACK.
type memPipe struct {
	mu    sync.Mutex
	ends  map[string]*Store
	fail  bool
	sends int
}

func newMemPipe() *memPipe {
	return &memPipe{ends: make(map[string]*Store)}
}

func (p *memPipe) attach(s *Store) {
	p.mu.Lock()
	p.ends[s.SelfID()] = s
	p.mu.Unlock()
	s.SetSender(p)
}

func (p *memPipe) SendRecord(_ context.Context, peerID string, rec storage.CallSession) error {
	p.mu.Lock()
	p.sends++
	target, ok := p.ends[peerID]
	fail := p.fail
	p.mu.Unlock()
	if fail || !ok {
		return errors.New("peer unreachable")
	}
	return target.ApplyInbound(rec)
}

func newTestStore(t *testing.T, selfID string) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, selfID)
}

func TestCreateReplicatesAndNotifies(t *testing.T) {
	alice := newTestStore(t, "peer-alice")
	bob := newTestStore(t, "peer-bob")
	pipe := newMemPipe()
	pipe.attach(alice)
	pipe.attach(bob)

	var hookCalls []string
	bob.SetIncomingHook(func(rec storage.CallSession) {
		hookCalls = append(hookCalls, rec.ID)
	})

	changes, cancel := alice.Subscribe()
	defer cancel()

	rec, err := alice.Create(context.Background(), "peer-bob", storage.CallVideo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.CallerID != "peer-alice" || rec.Status != storage.StatusPending {
		t.Fatalf("created: %+v", rec)
	}

	select {
	case c := <-changes:
		if !c.New || c.Session.ID != rec.ID {
			t.Fatalf("change: %+v", c)
		}
	default:
		t.Fatal("no change notification")
	}

	// Synchronous pipe means bob already holds the record and ran the hook.
	got, err := bob.Get(rec.ID)
	if err != nil {
		t.Fatalf("bob's copy: %v", err)
	}
	if got.Status != storage.StatusPending {
		t.Fatalf("bob's status: %s", got.Status)
	}
	if len(hookCalls) != 1 || hookCalls[0] != rec.ID {
		t.Fatalf("incoming hook calls: %v", hookCalls)
	}
}

func TestAdvanceConvergesCounterpart(t *testing.T) {
	alice := newTestStore(t, "peer-alice")
	bob := newTestStore(t, "peer-bob")
	pipe := newMemPipe()
	pipe.attach(alice)
	pipe.attach(bob)

	rec, err := alice.Create(context.Background(), "peer-bob", storage.CallAudio)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := bob.Advance(context.Background(), rec.ID, storage.StatusAccepted); err != nil {
		t.Fatalf("bob accept: %v", err)
	}

	got, err := alice.Get(rec.ID)
	if err != nil {
		t.Fatalf("alice get: %v", err)
	}
	if got.Status != storage.StatusAccepted || got.StartedAt == nil {
		t.Fatalf("alice's copy: status=%s started=%v", got.Status, got.StartedAt)
	}

	if _, err := alice.Advance(context.Background(), rec.ID, storage.StatusEnded); err != nil {
		t.Fatalf("alice end: %v", err)
	}
	got, _ = bob.Get(rec.ID)
	if got.Status != storage.StatusEnded || got.EndedAt == nil {
		t.Fatalf("bob's copy: status=%s ended=%v", got.Status, got.EndedAt)
	}
}

func TestReplicationFailureKeepsLocalWrite(t *testing.T) {
	alice := newTestStore(t, "peer-alice")
	pipe := newMemPipe()
	pipe.attach(alice)
	pipe.fail = true

	rec, err := alice.Create(context.Background(), "peer-bob", storage.CallVideo)
	if err == nil {
		t.Fatal("create must surface the delivery failure")
	}
	if rec.ID == "" {
		t.Fatal("local record must still be returned")
	}
	if _, err := alice.Get(rec.ID); err != nil {
		t.Fatalf("local row missing: %v", err)
	}

	// One retry per send.
	if pipe.sends != 2 {
		t.Fatalf("sends = %d, want 2 (original + retry)", pipe.sends)
	}
}

func TestApplyInboundRejectsStrangers(t *testing.T) {
	bob := newTestStore(t, "peer-bob")

	rec := storage.CallSession{
		ID: "call-x", CallerID: "peer-carol", ReceiverID: "peer-dave",
		CallType: storage.CallVideo, Status: storage.StatusPending, Version: 1,
	}
	if err := bob.ApplyInbound(rec); err == nil {
		t.Fatal("record not involving bob must be refused")
	}
}

func TestIncomingHookOnlyForFreshPending(t *testing.T) {
	alice := newTestStore(t, "peer-alice")
	bob := newTestStore(t, "peer-bob")
	pipe := newMemPipe()
	pipe.attach(alice)
	pipe.attach(bob)

	hooks := 0
	bob.SetIncomingHook(func(storage.CallSession) { hooks++ })

	rec, err := alice.Create(context.Background(), "peer-bob", storage.CallVideo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if hooks != 1 {
		t.Fatalf("hooks after create = %d, want 1", hooks)
	}

	// Subsequent updates to a known session must not re-ring.
	if _, err := alice.Advance(context.Background(), rec.ID, storage.StatusEnded); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if hooks != 1 {
		t.Fatalf("hooks after update = %d, want 1", hooks)
	}
}

func TestSubscribeDeliversRemoteChanges(t *testing.T) {
	alice := newTestStore(t, "peer-alice")
	bob := newTestStore(t, "peer-bob")
	pipe := newMemPipe()
	pipe.attach(alice)
	pipe.attach(bob)

	changes, cancel := bob.Subscribe()
	defer cancel()

	rec, err := alice.Create(context.Background(), "peer-bob", storage.CallVideo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case c := <-changes:
		if !c.New || c.Session.ID != rec.ID || c.Session.CallerID != "peer-alice" {
			t.Fatalf("change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered to bob")
	}
}
