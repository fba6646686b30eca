// Package signal carries negotiation payloads (offers, answers, network-path
// candidates) over per-call pubsub topics. The channel is ephemeral: there is
// no replay for late subscribers, which is why the call controller joins a
// topic as part of acknowledging the replicated session record; by the time
// the caller may publish its offer, the receiver is already listening.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/parleyhq/parley/internal/proto"
)

// Transport is the pubsub-backed signaling channel, one topic per call id.
type Transport struct {
	ctx    context.Context
	ps     *pubsub.PubSub
	selfID string

	mu    sync.Mutex
	calls map[string]*callChannel

	listenerMu sync.RWMutex
	listeners  map[chan *proto.SignalEnvelope]struct{}
}

type callChannel struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// New creates a Transport on an existing pubsub router.
func New(ctx context.Context, ps *pubsub.PubSub, selfID string) *Transport {
	return &Transport{
		ctx:       ctx,
		ps:        ps,
		selfID:    selfID,
		calls:     make(map[string]*callChannel),
		listeners: make(map[chan *proto.SignalEnvelope]struct{}),
	}
}

// Join subscribes to the signaling topic for callID. Idempotent; the topic
// is created lazily on first use.
func (t *Transport) Join(callID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[callID]; ok {
		return nil
	}

	topic, err := t.ps.Join(proto.CallTopic(callID))
	if err != nil {
		return fmt.Errorf("signal: join topic for %s: %w", callID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("signal: subscribe topic for %s: %w", callID, err)
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.calls[callID] = &callChannel{topic: topic, sub: sub, cancel: cancel}
	go t.readLoop(ctx, callID, sub)

	log.Printf("SIGNAL [%s]: joined call topic", shortID(callID))
	return nil
}

// Send publishes a signal on the call's topic, joining it first if needed.
func (t *Transport) Send(callID string, sig proto.CallSignal) error {
	if err := t.Join(callID); err != nil {
		return err
	}
	sig.CallID = callID

	t.mu.Lock()
	ch, ok := t.calls[callID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("signal: call channel %s closed", callID)
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("signal: encode %s: %w", sig.Type, err)
	}
	if err := ch.topic.Publish(t.ctx, data); err != nil {
		return fmt.Errorf("signal: publish %s on %s: %w", sig.Type, callID, err)
	}
	return nil
}

// Leave unsubscribes from the call's topic and releases it. Idempotent.
func (t *Transport) Leave(callID string) {
	t.mu.Lock()
	ch, ok := t.calls[callID]
	if ok {
		delete(t.calls, callID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	ch.cancel()
	ch.sub.Cancel()
	if err := ch.topic.Close(); err != nil {
		log.Printf("SIGNAL [%s]: topic close: %v", shortID(callID), err)
	}
}

// Subscribe returns a channel receiving every inbound signal across all
// joined call topics, and a cancel function.
func (t *Transport) Subscribe() (chan *proto.SignalEnvelope, func()) {
	ch := make(chan *proto.SignalEnvelope, 64)

	t.listenerMu.Lock()
	t.listeners[ch] = struct{}{}
	t.listenerMu.Unlock()

	cancel := func() {
		t.listenerMu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close leaves every joined topic and closes all subscriber channels.
func (t *Transport) Close() {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*callChannel)
	t.mu.Unlock()
	for id, ch := range calls {
		ch.cancel()
		ch.sub.Cancel()
		if err := ch.topic.Close(); err != nil {
			log.Printf("SIGNAL [%s]: topic close: %v", shortID(id), err)
		}
	}

	t.listenerMu.Lock()
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan *proto.SignalEnvelope]struct{})
	t.listenerMu.Unlock()
}

func (t *Transport) readLoop(ctx context.Context, callID string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // cancelled or topic closed
		}

		// GetFrom is the message author; ReceivedFrom is whichever peer
		// forwarded it and may differ once the mesh has more than two hops.
		from := msg.GetFrom().String()
		// Skip own messages: echoing SDP offers or candidates back into the
		// sender's negotiator would corrupt the peer connection.
		if from == t.selfID {
			continue
		}

		var sig proto.CallSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			log.Printf("SIGNAL [%s]: bad payload from %s: %v", shortID(callID), shortID(from), err)
			continue
		}
		if sig.CallID == "" {
			sig.CallID = callID
		}

		env := &proto.SignalEnvelope{From: from, Signal: sig}
		t.listenerMu.RLock()
		for ch := range t.listeners {
			select {
			case ch <- env:
			default:
				log.Printf("SIGNAL [%s]: subscriber full, dropping %s", shortID(callID), sig.Type)
			}
		}
		t.listenerMu.RUnlock()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
