package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// CallType distinguishes audio-only calls from audio+video calls.
// Fixed for the lifetime of a session.
type CallType string

const (
	CallVideo CallType = "video"
	CallAudio CallType = "audio"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
)

// Terminal reports whether s is a final status. Terminal sessions are
// immutable.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusMissed
}

// rank orders statuses monotonically so replicated records can never
// regress a session the counterpart has already advanced.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusRejected, StatusEnded, StatusMissed:
		return 2
	}
	return -1
}

// validNext is the only set of allowed status transitions.
var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusAccepted: true,
		StatusRejected: true,
		StatusEnded:    true,
		StatusMissed:   true,
	},
	StatusAccepted: {
		StatusEnded: true,
	},
}

var (
	ErrNotFound          = errors.New("call session not found")
	ErrSameParticipants  = errors.New("caller and receiver must differ")
	ErrInvalidCallType   = errors.New("call type must be video or audio")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("session was modified concurrently")
)

// CallSession is the persisted record of one call attempt.
type CallSession struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	CallType   CallType   `json:"call_type"`
	Status     Status     `json:"status"`
	Version    int64      `json:"version"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Involves reports whether peerID is a participant of the session.
func (s CallSession) Involves(peerID string) bool {
	return s.CallerID == peerID || s.ReceiverID == peerID
}

// Counterpart returns the other participant relative to peerID.
func (s CallSession) Counterpart(peerID string) string {
	if s.CallerID == peerID {
		return s.ReceiverID
	}
	return s.CallerID
}

const sqliteTime = "2006-01-02 15:04:05"

func encodeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(sqliteTime)
}

func decodeTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(sqliteTime, s.String)
	if err != nil {
		// A corrupted row should not look like a timestamp that was never
		// set; leave a trace so the bad value can be found.
		log.Printf("STORAGE: unparseable timestamp %q: %v", s.String, err)
		return nil
	}
	return &t
}

// CreateSession inserts a new pending session. The record starts at version 1.
func (d *DB) CreateSession(s CallSession) error {
	if s.CallerID == s.ReceiverID {
		return ErrSameParticipants
	}
	if s.CallerID == "" || s.ReceiverID == "" {
		return errors.New("caller and receiver ids are required")
	}
	if s.CallType != CallVideo && s.CallType != CallAudio {
		return ErrInvalidCallType
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.Status != StatusPending {
		return fmt.Errorf("%w: sessions are created pending, got %q", ErrInvalidTransition, s.Status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_sessions (id, caller_id, receiver_id, call_type, status, version)
		VALUES (?, ?, ?, ?, ?, 1)`,
		s.ID, s.CallerID, s.ReceiverID, string(s.CallType), string(s.Status),
	)
	if err != nil {
		return fmt.Errorf("insert call session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (d *DB) GetSession(id string) (CallSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scanSession(d.db.QueryRow(`
		SELECT id, caller_id, receiver_id, call_type, status, version,
		       started_at, ended_at, created_at, updated_at
		FROM call_sessions WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanSession(row rowScanner) (CallSession, error) {
	var s CallSession
	var ctype, status string
	var startedAt, endedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(&s.ID, &s.CallerID, &s.ReceiverID, &ctype, &status,
		&s.Version, &startedAt, &endedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, err
	}
	s.CallType = CallType(ctype)
	s.Status = Status(status)
	if t := decodeTime(startedAt); t != nil {
		s.StartedAt = t
	}
	if t := decodeTime(endedAt); t != nil {
		s.EndedAt = t
	}
	if t := decodeTime(createdAt); t != nil {
		s.CreatedAt = *t
	}
	if t := decodeTime(updatedAt); t != nil {
		s.UpdatedAt = *t
	}
	return s, nil
}

// Transition advances a session to a new status under compare-and-swap
// semantics: the row is updated only if its status and version still match
// the loaded snapshot, so a stale view can never clobber a newer one.
// started_at is stamped exactly once on entering accepted; ended_at exactly
// once on entering a terminal status.
func (d *DB) Transition(id string, to Status, at time.Time) (CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.scanSession(d.db.QueryRow(`
		SELECT id, caller_id, receiver_id, call_type, status, version,
		       started_at, ended_at, created_at, updated_at
		FROM call_sessions WHERE id = ?`, id))
	if err != nil {
		return CallSession{}, err
	}

	if !validNext[cur.Status][to] {
		return CallSession{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}

	next := cur
	next.Status = to
	next.Version = cur.Version + 1
	at = at.UTC()
	if to == StatusAccepted && next.StartedAt == nil {
		next.StartedAt = &at
	}
	if to.Terminal() && next.EndedAt == nil {
		next.EndedAt = &at
	}

	res, err := d.db.Exec(`
		UPDATE call_sessions
		SET status = ?, version = ?, started_at = ?, ended_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND version = ?`,
		string(next.Status), next.Version, encodeTime(next.StartedAt), encodeTime(next.EndedAt),
		id, string(cur.Status), cur.Version,
	)
	if err != nil {
		return CallSession{}, fmt.Errorf("update call session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CallSession{}, ErrVersionConflict
	}
	return next, nil
}

// ApplyRemote merges a replicated record from the counterpart. Unknown
// sessions are inserted as-is; known sessions are updated only when the
// incoming record is strictly newer (higher version) and does not regress
// the status order. Terminal records never change again.
// Returns the stored record and whether anything changed.
func (d *DB) ApplyRemote(s CallSession) (CallSession, bool, error) {
	if s.CallerID == s.ReceiverID {
		return CallSession{}, false, ErrSameParticipants
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.scanSession(d.db.QueryRow(`
		SELECT id, caller_id, receiver_id, call_type, status, version,
		       started_at, ended_at, created_at, updated_at
		FROM call_sessions WHERE id = ?`, s.ID))
	if errors.Is(err, ErrNotFound) {
		_, err := d.db.Exec(`
			INSERT INTO call_sessions
				(id, caller_id, receiver_id, call_type, status, version, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.CallerID, s.ReceiverID, string(s.CallType), string(s.Status),
			s.Version, encodeTime(s.StartedAt), encodeTime(s.EndedAt),
		)
		if err != nil {
			return CallSession{}, false, fmt.Errorf("insert replicated session: %w", err)
		}
		return s, true, nil
	}
	if err != nil {
		return CallSession{}, false, err
	}

	if cur.Status.Terminal() {
		return cur, false, nil
	}
	if s.Version <= cur.Version || s.Status.rank() < cur.Status.rank() {
		return cur, false, nil
	}

	next := cur
	next.Status = s.Status
	next.Version = s.Version
	if next.StartedAt == nil {
		next.StartedAt = s.StartedAt
	}
	if next.EndedAt == nil {
		next.EndedAt = s.EndedAt
	}

	res, err := d.db.Exec(`
		UPDATE call_sessions
		SET status = ?, version = ?, started_at = ?, ended_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?`,
		string(next.Status), next.Version, encodeTime(next.StartedAt), encodeTime(next.EndedAt),
		s.ID, cur.Version,
	)
	if err != nil {
		return CallSession{}, false, fmt.Errorf("update replicated session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CallSession{}, false, ErrVersionConflict
	}
	return next, true, nil
}

// ListSessions returns the call history involving peerID, newest first.
func (d *DB) ListSessions(peerID string, limit, offset int) ([]CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, caller_id, receiver_id, call_type, status, version,
		       started_at, ended_at, created_at, updated_at
		FROM call_sessions
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, peerID, peerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallSession
	for rows.Next() {
		s, err := d.scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
