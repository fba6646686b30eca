// Package call drives the lifecycle of peer calls: it owns the single
// active call of this node, mediates between the session store and the
// negotiator, and routes signaling to the right place. All call state lives
// inside one event loop; commands, store changes, signals, and timers feed
// a single inbox, so there is no lock ordering to reason about.
package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/proto"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/storage"
)

// Controller owns at most one call at a time. A second incoming call while
// one is active is auto-rejected; a second outbound call fails with
// ErrCallInProgress.
type Controller struct {
	sig       Signaler
	store     *session.Store
	cfg       config.Call
	openMedia mediaOpener

	cmds    chan any
	done    chan struct{}
	stopped chan struct{} // closed when run() has finished teardown

	// early holds signals that reached the loop before the session record
	// that explains them. Loop-owned.
	early map[string][]*proto.SignalEnvelope

	closeOnce sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// callState is the loop-owned state of the current call. Never touched
// outside the run loop.
type callState struct {
	sess     storage.CallSession
	outbound bool
	ringing  bool // incoming, not yet answered

	neg        *negotiator // nil while ringing
	audioMuted bool
	videoOff   bool
	conn       string

	// Signals arriving between the replicated pending record and the local
	// accept, when no negotiator exists yet.
	earlyOffer string
	earlyCands []proto.CandidateInit

	ringTimer *time.Timer
}

type sessReply struct {
	sess storage.CallSession
	err  error
}

type toggleReply struct {
	off bool
	err error
}

type (
	cmdStart struct {
		ctx      context.Context
		receiver string
		ctype    storage.CallType
		reply    chan sessReply
	}
	cmdAccept struct {
		ctx   context.Context
		id    string
		reply chan sessReply
	}
	cmdReject struct {
		ctx   context.Context
		id    string
		reply chan error
	}
	cmdEnd struct {
		ctx   context.Context
		reply chan error
	}
	cmdToggle struct {
		track string // audio|video
		reply chan toggleReply
	}
	cmdState struct {
		reply chan *CallState
	}
	cmdRingTimeout struct {
		id string
	}
	cmdConnState struct {
		id    string
		state webrtc.PeerConnectionState
	}
)

// NewController wires the controller into the store's incoming hook and
// starts the event loop.
func NewController(sig Signaler, store *session.Store, cfg config.Call) *Controller {
	c := &Controller{
		sig:       sig,
		store:     store,
		cfg:       cfg,
		openMedia: openLocalMedia,
		cmds:      make(chan any, 16),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		early:     make(map[string][]*proto.SignalEnvelope),
		listeners: make(map[chan Event]struct{}),
	}

	// Runs while an inbound pending record is applied, before the sender
	// gets its ACK. Joining here guarantees the caller's first offer is
	// never published into a topic nobody hears: by the time the caller
	// learns the record landed, this peer is already subscribed.
	store.SetIncomingHook(func(rec storage.CallSession) {
		if err := sig.Join(rec.ID); err != nil {
			log.Printf("CALL [%s]: join signaling topic: %v", shortID(rec.ID), err)
		}
	})

	go c.run()
	return c
}

// Start places an outbound call to receiverID and returns the pending
// session once the receiver's store has acknowledged it.
func (c *Controller) Start(ctx context.Context, receiverID string, ctype storage.CallType) (storage.CallSession, error) {
	reply := make(chan sessReply, 1)
	if err := c.post(ctx, cmdStart{ctx: ctx, receiver: receiverID, ctype: ctype, reply: reply}); err != nil {
		return storage.CallSession{}, err
	}
	return c.waitSess(ctx, reply)
}

// Accept answers the ringing incoming call with the given id.
func (c *Controller) Accept(ctx context.Context, id string) (storage.CallSession, error) {
	reply := make(chan sessReply, 1)
	if err := c.post(ctx, cmdAccept{ctx: ctx, id: id, reply: reply}); err != nil {
		return storage.CallSession{}, err
	}
	return c.waitSess(ctx, reply)
}

// Reject declines the ringing incoming call with the given id.
func (c *Controller) Reject(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, cmdReject{ctx: ctx, id: id, reply: reply}); err != nil {
		return err
	}
	return c.waitErr(ctx, reply)
}

// End hangs up the current call. A no-op when nothing is active, so racing
// hangups from both sides are harmless.
func (c *Controller) End(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, cmdEnd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.waitErr(ctx, reply)
}

// ToggleAudio flips the local microphone gate. Returns true when muted.
func (c *Controller) ToggleAudio(ctx context.Context) (bool, error) {
	return c.toggle(ctx, "audio")
}

// ToggleVideo flips the local camera gate. Returns true when disabled.
func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	return c.toggle(ctx, "video")
}

func (c *Controller) toggle(ctx context.Context, track string) (bool, error) {
	reply := make(chan toggleReply, 1)
	if err := c.post(ctx, cmdToggle{track: track, reply: reply}); err != nil {
		return false, err
	}
	select {
	case r := <-reply:
		return r.off, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.done:
		return false, ErrClosed
	}
}

// State returns a snapshot of the current call, or nil when idle.
func (c *Controller) State(ctx context.Context) (*CallState, error) {
	reply := make(chan *CallState, 1)
	if err := c.post(ctx, cmdState{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Subscribe returns a channel of call events and a cancel function.
func (c *Controller) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close shuts the controller down, ending any active call. It returns only
// after the event loop has finished its final teardown, so callers can close
// the store and transports behind it without racing the shutdown writes.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

func (c *Controller) post(ctx context.Context, cmd any) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// enqueue is post for internal sources (timers, Pion callbacks) that carry
// no context and must never block a Pion goroutine.
func (c *Controller) enqueue(cmd any) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Controller) waitSess(ctx context.Context, reply chan sessReply) (storage.CallSession, error) {
	select {
	case r := <-reply:
		return r.sess, r.err
	case <-ctx.Done():
		return storage.CallSession{}, ctx.Err()
	case <-c.done:
		return storage.CallSession{}, ErrClosed
	}
}

func (c *Controller) waitErr(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// ── Event loop ────────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.stopped)

	storeCh, cancelStore := c.store.Subscribe()
	defer cancelStore()
	sigCh, cancelSig := c.sig.Subscribe()
	defer cancelSig()

	var cur *callState
	for {
		select {
		case <-c.done:
			if cur != nil {
				c.endLocal(cur, storage.StatusEnded)
				c.teardown(cur)
			}
			return

		case cmd := <-c.cmds:
			cur = c.handleCmd(cur, cmd)

		case chg, ok := <-storeCh:
			if !ok {
				return
			}
			cur = c.handleChange(cur, chg)

		case env, ok := <-sigCh:
			if !ok {
				return
			}
			cur = c.handleSignal(cur, env)
		}
	}
}

func (c *Controller) handleCmd(cur *callState, cmd any) *callState {
	switch m := cmd.(type) {
	case cmdStart:
		return c.handleStart(cur, m)
	case cmdAccept:
		return c.handleAccept(cur, m)
	case cmdReject:
		return c.handleReject(cur, m)
	case cmdEnd:
		return c.handleEnd(cur, m)
	case cmdToggle:
		return c.handleToggle(cur, m)
	case cmdState:
		m.reply <- snapshot(cur)
		return cur
	case cmdRingTimeout:
		return c.handleRingTimeout(cur, m)
	case cmdConnState:
		return c.handleConnState(cur, m)
	}
	return cur
}

func (c *Controller) handleStart(cur *callState, m cmdStart) *callState {
	if cur != nil {
		m.reply <- sessReply{err: ErrCallInProgress}
		return cur
	}

	rec, err := c.store.Create(m.ctx, m.receiver, m.ctype)
	if err != nil {
		if rec.ID != "" {
			// Record exists locally but was never acknowledged by the
			// receiver, so nobody is listening for an offer. Close it out.
			c.advanceQuiet(rec.ID, storage.StatusEnded)
		}
		m.reply <- sessReply{err: err}
		return nil
	}

	if err := c.sig.Join(rec.ID); err != nil {
		c.advanceQuiet(rec.ID, storage.StatusEnded)
		m.reply <- sessReply{err: err}
		return nil
	}

	media, err := c.openMedia(rec.ID, m.ctype, c.cfg)
	if err != nil {
		log.Printf("CALL [%s]: local media: %v", shortID(rec.ID), err)
		c.advanceQuiet(rec.ID, storage.StatusEnded)
		c.sig.Leave(rec.ID)
		m.reply <- sessReply{err: err}
		return nil
	}

	neg, err := newNegotiator(rec.ID, c.sig, c.cfg, media, c.connStateFn(rec.ID))
	if err != nil {
		c.advanceQuiet(rec.ID, storage.StatusEnded)
		c.sig.Leave(rec.ID)
		m.reply <- sessReply{err: err}
		return nil
	}

	// The receiver ACKed the record, so its controller already joined the
	// call topic; the offer cannot be lost.
	if err := neg.startOffer(); err != nil {
		neg.close()
		c.advanceQuiet(rec.ID, storage.StatusEnded)
		c.sig.Leave(rec.ID)
		m.reply <- sessReply{err: err}
		return nil
	}

	cur = &callState{sess: rec, outbound: true, neg: neg}
	cur.ringTimer = c.startRingTimer(rec.ID)

	log.Printf("CALL [%s]: calling %s (%s)", shortID(rec.ID), shortID(m.receiver), m.ctype)
	c.emit(Event{Type: EventState, Session: &rec})
	m.reply <- sessReply{sess: rec}
	return c.replayEarly(cur)
}

func (c *Controller) handleAccept(cur *callState, m cmdAccept) *callState {
	if cur == nil || cur.sess.ID != m.id || !cur.ringing {
		m.reply <- sessReply{err: ErrNotRinging}
		return cur
	}

	// Media comes first: a peer that cannot produce media must not present
	// itself as joined, so denial turns into a reject instead.
	media, err := c.openMedia(m.id, cur.sess.CallType, c.cfg)
	if err != nil {
		log.Printf("CALL [%s]: local media: %v", shortID(m.id), err)
		c.advanceQuiet(m.id, storage.StatusRejected)
		c.teardown(cur)
		m.reply <- sessReply{err: err}
		return nil
	}

	rec, err := c.store.Advance(m.ctx, m.id, storage.StatusAccepted)
	if err != nil {
		media.close()
		if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			// Already terminal (caller hung up or marked it missed).
			c.teardown(cur)
			m.reply <- sessReply{err: err}
			return nil
		}
		// Transition applied locally but never reached the caller; a call
		// the caller believes is still ringing cannot proceed.
		c.advanceQuiet(m.id, storage.StatusEnded)
		c.teardown(cur)
		m.reply <- sessReply{err: err}
		return nil
	}

	neg, err := newNegotiator(m.id, c.sig, c.cfg, media, c.connStateFn(m.id))
	if err != nil {
		c.advanceQuiet(m.id, storage.StatusEnded)
		c.teardown(cur)
		m.reply <- sessReply{err: err}
		return nil
	}

	cur.sess = rec
	cur.neg = neg
	cur.ringing = false
	c.stopRingTimer(cur)

	// Replay whatever the caller sent while this side was still ringing.
	if cur.earlyOffer != "" {
		if err := neg.handleOffer(cur.earlyOffer); err != nil {
			log.Printf("CALL [%s]: apply buffered offer: %v", shortID(m.id), err)
			c.endLocal(cur, storage.StatusEnded)
			c.teardown(cur)
			m.reply <- sessReply{err: err}
			return nil
		}
		for _, cand := range cur.earlyCands {
			if err := neg.handleCandidate(cand); err != nil {
				log.Printf("CALL [%s]: buffered candidate: %v", shortID(m.id), err)
			}
		}
		cur.earlyOffer = ""
		cur.earlyCands = nil
	}

	log.Printf("CALL [%s]: accepted from %s", shortID(m.id), shortID(rec.CallerID))
	c.emit(Event{Type: EventState, Session: &rec})
	m.reply <- sessReply{sess: rec}
	return cur
}

func (c *Controller) handleReject(cur *callState, m cmdReject) *callState {
	if cur == nil || cur.sess.ID != m.id || !cur.ringing {
		m.reply <- ErrNotRinging
		return cur
	}

	rec, err := c.store.Advance(m.ctx, m.id, storage.StatusRejected)
	if err == nil {
		c.emit(Event{Type: EventState, Session: &rec})
	}
	c.teardown(cur)
	log.Printf("CALL [%s]: rejected", shortID(m.id))
	m.reply <- err
	return nil
}

func (c *Controller) handleEnd(cur *callState, m cmdEnd) *callState {
	if cur == nil {
		m.reply <- nil
		return nil
	}

	to := storage.StatusEnded
	if cur.ringing && !cur.outbound {
		// Hanging up a call that is still ringing on this side declines it.
		to = storage.StatusRejected
	}

	rec, err := c.store.Advance(m.ctx, cur.sess.ID, to)
	if err == nil {
		c.emit(Event{Type: EventState, Session: &rec})
	} else if errors.Is(err, storage.ErrInvalidTransition) {
		err = nil // already terminal, nothing to do
	}
	c.teardown(cur)
	log.Printf("CALL [%s]: ended locally", shortID(cur.sess.ID))
	m.reply <- err
	return nil
}

func (c *Controller) handleToggle(cur *callState, m cmdToggle) *callState {
	if cur == nil || cur.neg == nil {
		m.reply <- toggleReply{err: ErrNoActiveCall}
		return cur
	}

	var off bool
	if m.track == "audio" {
		off = cur.neg.toggleAudio()
		cur.audioMuted = off
	} else {
		off = cur.neg.toggleVideo()
		cur.videoOff = off
	}
	log.Printf("CALL [%s]: %s off=%v", shortID(cur.sess.ID), m.track, off)
	c.emit(Event{Type: EventToggle, Track: m.track, Off: off})
	m.reply <- toggleReply{off: off}
	return cur
}

func (c *Controller) handleRingTimeout(cur *callState, m cmdRingTimeout) *callState {
	if cur == nil || cur.sess.ID != m.id || cur.sess.Status != storage.StatusPending {
		return cur
	}

	log.Printf("CALL [%s]: ring timeout, marking missed", shortID(m.id))
	rec, err := c.store.Advance(context.Background(), m.id, storage.StatusMissed)
	if err == nil {
		c.emit(Event{Type: EventState, Session: &rec})
	} else {
		log.Printf("CALL [%s]: mark missed: %v", shortID(m.id), err)
	}
	c.teardown(cur)
	return nil
}

func (c *Controller) handleConnState(cur *callState, m cmdConnState) *callState {
	if cur == nil || cur.sess.ID != m.id || cur.neg == nil {
		return cur
	}

	cur.conn = m.state.String()
	c.emit(Event{Type: EventConnection, Conn: cur.conn})

	switch m.state {
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		// The transport already waited out the configured ICE timeouts
		// before reporting this, so it is a definitive end of the call.
		log.Printf("CALL [%s]: connection %s, ending", shortID(m.id), m.state)
		c.endLocal(cur, storage.StatusEnded)
		c.teardown(cur)
		return nil
	}
	return cur
}

// handleChange reacts to session-store mutations, local echoes and
// replicated counterpart writes alike.
func (c *Controller) handleChange(cur *callState, chg session.Change) *callState {
	s := chg.Session

	if cur != nil && s.ID == cur.sess.ID {
		if s.Version <= cur.sess.Version {
			return cur // echo of a write this loop already handled
		}
		cur.sess = s
		c.emit(Event{Type: EventState, Session: &s})

		if s.Status == storage.StatusAccepted && cur.outbound {
			c.stopRingTimer(cur)
			log.Printf("CALL [%s]: remote accepted", shortID(s.ID))
		}
		if s.Status.Terminal() {
			log.Printf("CALL [%s]: remote %s", shortID(s.ID), s.Status)
			c.teardown(cur)
			return nil
		}
		return cur
	}

	// A fresh pending record addressed to this peer is an incoming call.
	if chg.New && s.Status == storage.StatusPending && s.ReceiverID == c.store.SelfID() {
		if cur != nil {
			log.Printf("CALL [%s]: busy, auto-rejecting call from %s", shortID(s.ID), shortID(s.CallerID))
			c.advanceQuiet(s.ID, storage.StatusRejected)
			c.sig.Leave(s.ID)
			delete(c.early, s.ID)
			return cur
		}

		cur = &callState{sess: s, ringing: true}
		cur.ringTimer = c.startRingTimer(s.ID)
		log.Printf("CALL [%s]: incoming %s call from %s", shortID(s.ID), s.CallType, shortID(s.CallerID))
		c.emit(Event{Type: EventIncoming, Session: &s})
		return c.replayEarly(cur)
	}

	return cur
}

// handleSignal routes one inbound signaling message. Only the counterpart
// of the current call is listened to; everything else is stashed briefly,
// because a signal can win the race into the loop against the store change
// that explains it.
func (c *Controller) handleSignal(cur *callState, env *proto.SignalEnvelope) *callState {
	if cur == nil || env.Signal.CallID != cur.sess.ID {
		c.stashEarly(env)
		return cur
	}
	if env.From != cur.sess.Counterpart(c.store.SelfID()) {
		log.Printf("CALL [%s]: dropping %s from non-participant %s",
			shortID(cur.sess.ID), env.Signal.Type, shortID(env.From))
		return cur
	}

	sig := env.Signal

	// Before accept there is no negotiator; buffer the caller's offer and
	// candidates until the user answers.
	if cur.neg == nil {
		switch sig.Type {
		case proto.SignalOffer:
			cur.earlyOffer = sig.SDP
		case proto.SignalCandidate:
			if sig.Candidate != nil {
				cur.earlyCands = append(cur.earlyCands, *sig.Candidate)
			}
		}
		return cur
	}

	var err error
	switch sig.Type {
	case proto.SignalOffer:
		err = cur.neg.handleOffer(sig.SDP)
	case proto.SignalAnswer:
		err = cur.neg.handleAnswer(sig.SDP)
	case proto.SignalCandidate:
		if sig.Candidate != nil {
			if cerr := cur.neg.handleCandidate(*sig.Candidate); cerr != nil {
				log.Printf("CALL [%s]: add candidate: %v", shortID(cur.sess.ID), cerr)
			}
		}
		return cur
	default:
		log.Printf("CALL [%s]: unknown signal %q", shortID(cur.sess.ID), sig.Type)
		return cur
	}

	if err != nil {
		// A failed SDP exchange is unrecoverable for this session.
		log.Printf("CALL [%s]: %s failed: %v", shortID(cur.sess.ID), sig.Type, err)
		c.endLocal(cur, storage.StatusEnded)
		c.teardown(cur)
		return nil
	}
	return cur
}

// ── Loop helpers ──────────────────────────────────────────────────────────────

func (c *Controller) connStateFn(id string) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		c.enqueue(cmdConnState{id: id, state: state})
	}
}

func (c *Controller) startRingTimer(id string) *time.Timer {
	if c.cfg.RingTimeoutSec <= 0 {
		return nil
	}
	d := time.Duration(c.cfg.RingTimeoutSec) * time.Second
	return time.AfterFunc(d, func() {
		c.enqueue(cmdRingTimeout{id: id})
	})
}

func (c *Controller) stopRingTimer(cur *callState) {
	if cur.ringTimer != nil {
		cur.ringTimer.Stop()
		cur.ringTimer = nil
	}
}

// endLocal advances the current session to a terminal status, tolerating
// the transition already having happened.
func (c *Controller) endLocal(cur *callState, to storage.Status) {
	if cur.sess.Status.Terminal() {
		return
	}
	rec, err := c.store.Advance(context.Background(), cur.sess.ID, to)
	if err == nil {
		cur.sess = rec
		c.emit(Event{Type: EventState, Session: &rec})
	} else if !errors.Is(err, storage.ErrInvalidTransition) {
		log.Printf("CALL [%s]: advance to %s: %v", shortID(cur.sess.ID), to, err)
	}
}

// advanceQuiet is endLocal for sessions not tracked in cur.
func (c *Controller) advanceQuiet(id string, to storage.Status) {
	rec, err := c.store.Advance(context.Background(), id, to)
	if err == nil {
		c.emit(Event{Type: EventState, Session: &rec})
		return
	}
	if !errors.Is(err, storage.ErrInvalidTransition) {
		log.Printf("CALL [%s]: advance to %s: %v", shortID(id), to, err)
	}
}

func (c *Controller) teardown(cur *callState) {
	c.stopRingTimer(cur)
	if cur.neg != nil {
		cur.neg.close()
	}
	c.sig.Leave(cur.sess.ID)
	delete(c.early, cur.sess.ID)
}

// stashEarly keeps a signal around until its session record shows up.
// Bounded: stale calls and floods just lose their signals, which the
// keyframe and candidate retransmit paths tolerate.
func (c *Controller) stashEarly(env *proto.SignalEnvelope) {
	id := env.Signal.CallID
	if len(c.early) >= 8 && c.early[id] == nil {
		return
	}
	if len(c.early[id]) >= 64 {
		return
	}
	c.early[id] = append(c.early[id], env)
}

// replayEarly re-routes stashed signals for the now-known current call.
func (c *Controller) replayEarly(cur *callState) *callState {
	stashed := c.early[cur.sess.ID]
	if stashed == nil {
		return cur
	}
	delete(c.early, cur.sess.ID)
	for _, env := range stashed {
		cur = c.handleSignal(cur, env)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func snapshot(cur *callState) *CallState {
	if cur == nil {
		return nil
	}
	return &CallState{
		Session:    cur.sess,
		Remote:     cur.remote(),
		Ringing:    cur.ringing,
		Outbound:   cur.outbound,
		AudioMuted: cur.audioMuted,
		VideoOff:   cur.videoOff,
		Connection: cur.conn,
	}
}

func (s *callState) remote() string {
	if s.outbound {
		return s.sess.ReceiverID
	}
	return s.sess.CallerID
}

func (c *Controller) emit(ev Event) {
	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
			log.Printf("CALL: event subscriber full, dropping %s", ev.Type)
		}
	}
}
