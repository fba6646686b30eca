package call

import (
	"errors"

	"github.com/parleyhq/parley/internal/proto"
	"github.com/parleyhq/parley/internal/storage"
)

// Signaler is the only surface the call package needs from the signaling
// transport. The pubsub Transport satisfies it; tests use an in-memory pair.
type Signaler interface {
	// Join subscribes to a call's signaling channel. Idempotent.
	Join(callID string) error
	Send(callID string, sig proto.CallSignal) error
	Leave(callID string)
	Subscribe() (ch chan *proto.SignalEnvelope, cancel func())
}

var (
	// ErrCallInProgress is returned when a second call is started or
	// accepted while one is already active.
	ErrCallInProgress = errors.New("another call is already in progress")

	// ErrNoActiveCall is returned by operations that need a live call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotRinging is returned when accept/reject names a call that is
	// not currently ringing on this peer.
	ErrNotRinging = errors.New("call is not ringing")

	// ErrMediaAccessDenied means the local camera/microphone could not be
	// opened. The call is aborted; there is no receive-only fallback.
	ErrMediaAccessDenied = errors.New("local media devices unavailable")

	// ErrClosed is returned after the controller has shut down.
	ErrClosed = errors.New("call controller is closed")
)

// Event types fanned out to controller subscribers (the websocket API).
const (
	EventIncoming   = "incoming"      // a call started ringing
	EventState      = "state"         // the session record changed status
	EventConnection = "connection"    // peer connection state changed
	EventToggle     = "media-toggle"  // local audio/video gate flipped
)

// Event is one observable call-controller occurrence.
type Event struct {
	Type    string               `json:"type"`
	Session *storage.CallSession `json:"session,omitempty"`
	Conn    string               `json:"connection,omitempty"`
	Track   string               `json:"track,omitempty"` // audio|video
	Off     bool                 `json:"off,omitempty"`
}

// CallState is a snapshot of the controller's current call, if any.
type CallState struct {
	Session    storage.CallSession `json:"session"`
	Remote     string              `json:"remote"`
	Ringing    bool                `json:"ringing"`
	Outbound   bool                `json:"outbound"`
	AudioMuted bool                `json:"audio_muted"`
	VideoOff   bool                `json:"video_off"`
	Connection string              `json:"connection,omitempty"`
}
