package proto

import "time"

const (
	// Pubsub topic carrying presence pulses for the whole swarm.
	PresenceTopic = "parley.presence.v1"
	MdnsTag       = "parley-mdns"

	// libp2p stream protocol ID used to replicate call-session records
	// between the two participants of a call.
	SessionProtoID = "/parley/session/1.0.0"

	// Per-call signaling topics are CallTopicPrefix + call ID.
	CallTopicPrefix = "parley.call."
)

// CallTopic returns the pubsub topic name for one call's signaling channel.
func CallTopic(callID string) string { return CallTopicPrefix + callID }

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the JSON pulse published on PresenceTopic. Addrs lets
// receivers seed their peerstore so call streams can be dialed without a
// separate discovery round-trip.
type PresenceMsg struct {
	Type   string   `json:"type"` // online|update|offline
	PeerID string   `json:"peerId"`
	Label  string   `json:"label,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// ── Call signal shapes ────────────────────────────────────────────────────────
// Value of the "type" field of every message on a call topic. The signaling
// channel carries only negotiation payloads; call lifecycle (accept, reject,
// end) travels through the replicated session record instead.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// CandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallSignal is the tagged union published on a call topic. SDP is set for
// offer/answer, Candidate for ice-candidate. The payload is opaque to the
// call controller; only the negotiator interprets it.
type CallSignal struct {
	Type      string         `json:"type"`
	CallID    string         `json:"call_id"`
	SDP       string         `json:"sdp,omitempty"`
	Candidate *CandidateInit `json:"candidate,omitempty"`
}

// SignalEnvelope pairs an inbound CallSignal with the sending peer.
type SignalEnvelope struct {
	From   string     `json:"from"`
	Signal CallSignal `json:"signal"`
}
