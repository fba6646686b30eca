package call

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/proto"
)

// negotiator owns one call's peer connection and its local media. It turns
// inbound signals into Pion API calls and publishes the outbound side of
// the exchange (offer or answer plus trickled candidates) on the call's
// signaling channel. All methods are driven from the controller loop, so
// the only internal locking guards the pre-remote candidate buffer, which
// is also touched by Pion callbacks.
type negotiator struct {
	callID string
	sig    Signaler
	pc     *webrtc.PeerConnection
	media  *localMedia

	mu        sync.Mutex
	remoteSet bool
	pending   []proto.CandidateInit

	done      chan struct{}
	closeOnce sync.Once
}

// newNegotiator builds the peer connection, attaches local media, and wires
// the Pion callbacks. onConnState is invoked from Pion's goroutines and
// must only enqueue work, never block.
func newNegotiator(callID string, sig Signaler, cfg config.Call, media *localMedia, onConnState func(webrtc.PeerConnectionState)) (*negotiator, error) {
	api, err := buildAPI(cfg)
	if err != nil {
		media.close()
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		media.close()
		return nil, err
	}

	n := &negotiator{
		callID: callID,
		sig:    sig,
		pc:     pc,
		media:  media,
		done:   make(chan struct{}),
	}

	// AddTrack creates sendrecv transceivers, so the same m-lines carry the
	// remote side's media back.
	for _, t := range media.tracks() {
		if _, err := pc.AddTrack(t); err != nil {
			n.close()
			return nil, fmt.Errorf("add local %s track: %w", t.Kind(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		cand := proto.CandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := n.sig.Send(callID, proto.CallSignal{Type: proto.SignalCandidate, Candidate: &cand}); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", shortID(callID), err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection %s", shortID(callID), state)
		onConnState(state)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track (%s)", shortID(callID), track.Kind(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go n.keyframeLoop(uint32(track.SSRC()))
		}
		go n.drainTrack(track)
	})

	return n, nil
}

// startOffer creates and publishes the caller's offer.
func (n *negotiator) startOffer() error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return n.sig.Send(n.callID, proto.CallSignal{Type: proto.SignalOffer, SDP: offer.SDP})
}

// handleOffer applies the remote offer and publishes the answer.
func (n *negotiator) handleOffer(sdp string) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return n.sig.Send(n.callID, proto.CallSignal{Type: proto.SignalAnswer, SDP: answer.SDP})
}

// handleAnswer applies the callee's answer on the offering side.
func (n *negotiator) handleAnswer(sdp string) error {
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushCandidates()
	return nil
}

// handleCandidate adds a trickled remote candidate. Candidates arriving
// before the remote description are buffered and flushed once it lands;
// adding them earlier would make Pion error out.
func (n *negotiator) handleCandidate(c proto.CandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.addCandidate(c)
}

func (n *negotiator) flushCandidates() {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.addCandidate(c); err != nil {
			log.Printf("CALL [%s]: buffered candidate: %v", shortID(n.callID), err)
		}
	}
}

func (n *negotiator) addCandidate(c proto.CandidateInit) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return n.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (n *negotiator) toggleAudio() bool {
	if n.media == nil || n.media.audio == nil {
		return true
	}
	muted := n.media.audio.enabled.Load()
	n.media.audio.setEnabled(!muted)
	return muted
}

func (n *negotiator) toggleVideo() bool {
	if n.media == nil || n.media.video == nil {
		return true
	}
	off := n.media.video.enabled.Load()
	n.media.video.setEnabled(!off)
	return off
}

// drainTrack keeps the remote track's RTP flowing so the interceptor chain
// (NACK, RTCP reports) stays alive. Decoding is out of scope for a headless
// node; the packet headers still yield a loss estimate for the log.
func (n *negotiator) drainTrack(track *webrtc.TrackRemote) {
	var pkts, lost uint64
	var lastSeq uint16
	var pkt *rtp.Packet
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				log.Printf("CALL [%s]: remote %s track closed: %v", shortID(n.callID), track.Kind(), err)
			}
			if pkts > 0 {
				log.Printf("CALL [%s]: %s stats: %d packets, ~%d lost", shortID(n.callID), track.Kind(), pkts, lost)
			}
			return
		}
		if pkts > 0 {
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 0x8000 {
				lost += uint64(gap - 1)
			}
		}
		lastSeq = pkt.SequenceNumber
		pkts++
	}
}

// keyframeLoop periodically requests a keyframe so the remote encoder
// recovers quickly from packet loss.
func (n *negotiator) keyframeLoop(ssrc uint32) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if err := n.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

// close tears down the peer connection and local media. Idempotent.
func (n *negotiator) close() {
	n.closeOnce.Do(func() {
		close(n.done)
		if err := n.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", shortID(n.callID), err)
		}
		n.media.close()
	})
}
