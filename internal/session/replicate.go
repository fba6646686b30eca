package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/parleyhq/parley/internal/proto"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/util"
)

// recordMsg is the wire type for a replicated session record.
// Newline-delimited JSON on a libp2p stream, ACKed synchronously.
type recordMsg struct {
	Type   string              `json:"type"` // "session"
	Record storage.CallSession `json:"record"`
}

// recordAck is written back by the receiver once the record has been
// applied to its store and, for fresh incoming calls, the signaling topic
// has been joined.
type recordAck struct {
	Type  string `json:"type"` // "ack"
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Replicator carries session records between the two participants of a
// call over the /parley/session/1.0.0 stream protocol.
type Replicator struct {
	host  host.Host
	store *Store
}

// NewReplicator registers the stream handler and wires itself into the
// store as its replication sender.
func NewReplicator(h host.Host, store *Store) *Replicator {
	r := &Replicator{host: h, store: store}
	h.SetStreamHandler(protocol.ID(proto.SessionProtoID), r.handleIncoming)
	store.SetSender(r)
	log.Printf("SESSION: registered handler for %s", proto.SessionProtoID)
	return r
}

// SendRecord opens a stream to peerID, writes the record, and waits for the
// receiver's ACK. An error means the counterpart has not durably applied
// the record.
func (r *Replicator) SendRecord(ctx context.Context, peerID string, rec storage.CallSession) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("session: invalid peer id %q: %w", peerID, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultAckTimeout)
	defer cancel()

	stream, err := r.host.NewStream(dialCtx, pid, protocol.ID(proto.SessionProtoID))
	if err != nil {
		return fmt.Errorf("session: open stream to %s: %w", shortID(peerID), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(recordMsg{Type: "session", Record: rec}); err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}

	var ack recordAck
	_ = stream.SetReadDeadline(time.Now().Add(util.DefaultAckTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("session: waiting for ack from %s: %w", shortID(peerID), err)
	}
	if ack.ID != rec.ID {
		return fmt.Errorf("session: ack id mismatch (got %s, want %s)", ack.ID, rec.ID)
	}
	if !ack.OK {
		return fmt.Errorf("session: peer refused record: %s", ack.Error)
	}

	log.Printf("SESSION [%s]: replicated %s to %s", shortID(rec.ID), rec.Status, shortID(peerID))
	return nil
}

// handleIncoming applies one replicated record and ACKs it. Unlike a plain
// message queue the ACK is deliberately written only after ApplyInbound has
// returned: the sender treats the ACK as proof that the receiver's store
// holds the record and that its controller is subscribed to the call topic.
func (r *Replicator) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg recordMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Printf("SESSION: decode error from %s: %v", shortID(remotePeer), err)
		return
	}

	rec := msg.Record
	ack := recordAck{Type: "ack", ID: rec.ID, OK: true}

	// Only a participant may replicate a session, and only its own side.
	if !rec.Involves(remotePeer) {
		ack.OK = false
		ack.Error = "sender is not a participant"
	} else if err := r.store.ApplyInbound(rec); err != nil {
		ack.OK = false
		ack.Error = err.Error()
	}

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Printf("SESSION: ack write error to %s: %v", shortID(remotePeer), err)
		return
	}

	if ack.OK {
		log.Printf("SESSION [%s]: applied %s from %s", shortID(rec.ID), rec.Status, shortID(remotePeer))
	} else {
		log.Printf("SESSION [%s]: refused record from %s: %s", shortID(rec.ID), shortID(remotePeer), ack.Error)
	}
}
