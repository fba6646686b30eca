// Package session is the call-session store client: it owns the local
// persisted record, fans out change events to subscribers, and keeps the
// counterpart's store converged by replicating every write over the
// /parley/session/1.0.0 stream protocol.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
)

// Change is delivered to subscribers for every observed session mutation,
// local or replicated. New is true for the first time a session id is seen.
type Change struct {
	Session storage.CallSession
	New     bool
}

// sender replicates a record to the counterpart peer. Implemented by
// Replicator; replaced by an in-memory pair in tests.
type sender interface {
	SendRecord(ctx context.Context, peerID string, rec storage.CallSession) error
}

// Store is the session-store client used by the call controller.
type Store struct {
	db     *storage.DB
	selfID string

	sendMu sync.RWMutex
	send   sender

	// incomingHook runs synchronously while an inbound replicated record is
	// being applied, before the ACK is written back to the sender. The call
	// controller uses it to join the call's signaling topic, so a caller
	// that has its record ACKed knows the receiver is already subscribed.
	hookMu       sync.RWMutex
	incomingHook func(rec storage.CallSession)

	listenerMu sync.RWMutex
	listeners  map[chan Change]struct{}
}

// NewStore creates a store client for selfID backed by db.
func NewStore(db *storage.DB, selfID string) *Store {
	return &Store{
		db:        db,
		selfID:    selfID,
		listeners: make(map[chan Change]struct{}),
	}
}

// SetSender wires the replication transport. Must be called before Create
// or Advance; kept separate from NewStore because the Replicator needs the
// Store to exist first.
func (s *Store) SetSender(snd sender) {
	s.sendMu.Lock()
	s.send = snd
	s.sendMu.Unlock()
}

// SetIncomingHook registers the pre-ACK hook for inbound replicated records.
func (s *Store) SetIncomingHook(fn func(rec storage.CallSession)) {
	s.hookMu.Lock()
	s.incomingHook = fn
	s.hookMu.Unlock()
}

// SelfID returns the participant id this store is scoped to.
func (s *Store) SelfID() string { return s.selfID }

// Get returns a session by id.
func (s *Store) Get(id string) (storage.CallSession, error) {
	return s.db.GetSession(id)
}

// History returns persisted sessions involving the local participant.
func (s *Store) History(limit, offset int) ([]storage.CallSession, error) {
	return s.db.ListSessions(s.selfID, limit, offset)
}

// Create inserts a new pending session with the local participant as caller
// and replicates it to the receiver. The returned error is non-nil when the
// record could not be delivered; the local row still exists and the caller
// is expected to drive it to a terminal status.
func (s *Store) Create(ctx context.Context, receiverID string, ctype storage.CallType) (storage.CallSession, error) {
	rec := storage.CallSession{
		ID:         uuid.NewString(),
		CallerID:   s.selfID,
		ReceiverID: receiverID,
		CallType:   ctype,
		Status:     storage.StatusPending,
		Version:    1,
	}
	if err := s.db.CreateSession(rec); err != nil {
		return storage.CallSession{}, err
	}

	stored, err := s.db.GetSession(rec.ID)
	if err != nil {
		return storage.CallSession{}, err
	}
	s.notify(Change{Session: stored, New: true})

	if err := s.replicate(ctx, stored); err != nil {
		return stored, fmt.Errorf("deliver session record to %s: %w", receiverID, err)
	}
	return stored, nil
}

// Advance transitions a session and replicates the new state to the
// counterpart. A replication failure is retried once and then surfaced,
// but the local transition is never rolled back: the peer's copy converges
// through the monotonic merge whenever delivery next succeeds.
func (s *Store) Advance(ctx context.Context, id string, to storage.Status) (storage.CallSession, error) {
	rec, err := s.db.Transition(id, to, time.Now())
	if err != nil {
		return storage.CallSession{}, err
	}
	s.notify(Change{Session: rec})

	if err := s.replicate(ctx, rec); err != nil {
		log.Printf("SESSION [%s]: replicate %s failed: %v", shortID(id), to, err)
		return rec, fmt.Errorf("replicate session update: %w", err)
	}
	return rec, nil
}

// replicate sends rec to the counterpart with one retry.
func (s *Store) replicate(ctx context.Context, rec storage.CallSession) error {
	s.sendMu.RLock()
	snd := s.send
	s.sendMu.RUnlock()
	if snd == nil {
		return fmt.Errorf("no replication sender configured")
	}

	peer := rec.Counterpart(s.selfID)
	err := snd.SendRecord(ctx, peer, rec)
	if err == nil {
		return nil
	}
	log.Printf("SESSION [%s]: send to %s failed, retrying: %v", shortID(rec.ID), shortID(peer), err)
	return snd.SendRecord(ctx, peer, rec)
}

// ApplyInbound merges a replicated record from the counterpart. It rejects
// records that do not involve the local participant, runs the incoming hook
// for fresh pending sessions addressed to us, and notifies subscribers.
// Called by the Replicator before it ACKs the stream.
func (s *Store) ApplyInbound(rec storage.CallSession) error {
	if !rec.Involves(s.selfID) {
		return fmt.Errorf("session %s does not involve this peer", rec.ID)
	}

	known := true
	if _, err := s.db.GetSession(rec.ID); err != nil {
		known = false
	}

	stored, changed, err := s.db.ApplyRemote(rec)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if !known && stored.Status == storage.StatusPending && stored.ReceiverID == s.selfID {
		s.hookMu.RLock()
		hook := s.incomingHook
		s.hookMu.RUnlock()
		if hook != nil {
			hook(stored)
		}
	}

	s.notify(Change{Session: stored, New: !known})
	return nil
}

// Subscribe returns a channel of session changes scoped to the local
// participant, and a cancel function.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)

	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	if !c.Session.Involves(s.selfID) {
		return
	}
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for ch := range s.listeners {
		select {
		case ch <- c:
		default:
			log.Printf("SESSION [%s]: subscriber full, dropping change", shortID(c.Session.ID))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
