package state

import (
	"sync"
	"time"
)

// SeenPeer is one swarm member known through presence pulses.
type SeenPeer struct {
	Label     string    `json:"label"`
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"last_seen"`

	// OfflineSince is zero while the peer is online; set when its presence
	// TTL expires or it announces going offline.
	OfflineSince time.Time `json:"-"`
}

// PeerEvent is fanned out to subscribers on every table mutation.
type PeerEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

// PeerTable tracks the peers currently visible in the swarm.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]SeenPeer{},
		listeners: make([]chan PeerEvent, 0),
	}
}

// Upsert records a presence pulse from a peer, marking it reachable.
func (t *PeerTable) Upsert(id, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{
		Label:     label,
		Reachable: true,
		LastSeen:  time.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

// Touch refreshes LastSeen without altering anything else.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = time.Now()
	t.peers[id] = sp
}

// MarkOffline flags a peer as unreachable after an offline pulse.
func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := sp.OfflineSince.IsZero()
	sp.Reachable = false
	if wasOnline {
		sp.OfflineSince = time.Now()
		t.peers[id] = sp
		t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
		return
	}
	t.peers[id] = sp
}

// Get returns the peer with the given id.
func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// Snapshot returns a copy of the whole table.
func (t *PeerTable) Snapshot() map[string]SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]SeenPeer, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online peers with expired TTL to offline state, then
// removes offline peers that have exceeded the grace period.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = time.Now()
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else {
			if sp.OfflineSince.Before(graceCutoff) {
				delete(t.peers, id)
				t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
			}
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
