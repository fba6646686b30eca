package state

import (
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("peer-a", "alice")

	sp, ok := pt.Get("peer-a")
	if !ok {
		t.Fatal("peer missing after upsert")
	}
	if sp.Label != "alice" || !sp.Reachable {
		t.Fatalf("peer: %+v", sp)
	}
	if !sp.OfflineSince.IsZero() {
		t.Fatal("fresh peer must not be offline")
	}
}

func TestMarkOfflineOnce(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("peer-a", "alice")

	ch := pt.Subscribe()
	defer pt.Unsubscribe(ch)

	pt.MarkOffline("peer-a")
	sp, _ := pt.Get("peer-a")
	if sp.Reachable || sp.OfflineSince.IsZero() {
		t.Fatalf("after offline: %+v", sp)
	}
	first := sp.OfflineSince

	// A second offline pulse must not reset the timestamp or re-notify.
	pt.MarkOffline("peer-a")
	sp, _ = pt.Get("peer-a")
	if !sp.OfflineSince.Equal(first) {
		t.Fatal("OfflineSince moved on repeated offline")
	}

	select {
	case ev := <-ch:
		if ev.Type != "update" || ev.PeerID != "peer-a" {
			t.Fatalf("event: %+v", ev)
		}
	default:
		t.Fatal("no update event for going offline")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPruneStale(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("peer-fresh", "fresh")
	pt.Upsert("peer-stale", "stale")

	// Backdate the stale peer past the TTL cutoff.
	pt.mu.Lock()
	sp := pt.peers["peer-stale"]
	sp.LastSeen = time.Now().Add(-time.Minute)
	pt.peers["peer-stale"] = sp
	pt.mu.Unlock()

	pt.PruneStale(time.Now().Add(-30*time.Second), time.Now().Add(-time.Hour))

	if sp, _ := pt.Get("peer-stale"); sp.Reachable {
		t.Fatal("stale peer still reachable")
	}
	if sp, _ := pt.Get("peer-fresh"); !sp.Reachable {
		t.Fatal("fresh peer pruned")
	}

	// Push the stale peer past the grace period; it gets dropped entirely.
	pt.mu.Lock()
	sp = pt.peers["peer-stale"]
	sp.OfflineSince = time.Now().Add(-time.Hour)
	pt.peers["peer-stale"] = sp
	pt.mu.Unlock()

	pt.PruneStale(time.Now().Add(-30*time.Second), time.Now().Add(-time.Minute))
	if _, ok := pt.Get("peer-stale"); ok {
		t.Fatal("expired peer not removed")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("peer-a", "alice")

	snap := pt.Snapshot()
	snap["peer-a"] = SeenPeer{Label: "mallory"}

	if sp, _ := pt.Get("peer-a"); sp.Label != "alice" {
		t.Fatal("snapshot mutation leaked into the table")
	}
}
