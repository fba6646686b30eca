package call

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/storage"
)

// frameSource yields encoded media frames from a local capture device.
// ReadFrame blocks until the next frame is ready; release must be called
// once the frame data has been consumed. Close stops the capture.
type frameSource interface {
	ReadFrame() (data []byte, release func(), err error)
	Close() error
}

// mediaOpener acquires local capture for one call. Swapped for a fake in
// tests so the controller can run without camera or microphone hardware.
type mediaOpener func(callID string, ctype storage.CallType, cfg config.Call) (*localMedia, error)

// gatedTrack pumps frames from a capture source into an outbound sample
// track. The enabled gate implements mute/camera-off without touching the
// peer connection: frames keep flowing off the encoder but are dropped
// instead of written, so no renegotiation is needed to toggle.
type gatedTrack struct {
	track   *webrtc.TrackLocalStaticSample
	src     frameSource
	dur     time.Duration
	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newGatedTrack(callID string, track *webrtc.TrackLocalStaticSample, src frameSource, dur time.Duration) *gatedTrack {
	g := &gatedTrack{
		track: track,
		src:   src,
		dur:   dur,
		done:  make(chan struct{}),
	}
	g.enabled.Store(true)
	go g.pump(callID)
	return g
}

func (g *gatedTrack) pump(callID string) {
	for {
		select {
		case <-g.done:
			return
		default:
		}

		data, release, err := g.src.ReadFrame()
		if err != nil {
			select {
			case <-g.done:
			default:
				log.Printf("CALL [%s]: %s capture stopped: %v", shortID(callID), g.track.Kind(), err)
			}
			return
		}
		if g.enabled.Load() {
			if err := g.track.WriteSample(media.Sample{Data: data, Duration: g.dur}); err != nil {
				log.Printf("CALL [%s]: write %s sample: %v", shortID(callID), g.track.Kind(), err)
			}
		}
		if release != nil {
			release()
		}
	}
}

// setEnabled flips the gate and reports the new enabled state.
func (g *gatedTrack) setEnabled(on bool) { g.enabled.Store(on) }

func (g *gatedTrack) close() {
	g.closeOnce.Do(func() {
		close(g.done)
		_ = g.src.Close()
	})
}

// localMedia holds the gated outbound tracks of one call. video is nil for
// audio-only calls.
type localMedia struct {
	audio *gatedTrack
	video *gatedTrack
	stop  func() // releases the underlying capture devices
}

func (m *localMedia) tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.audio != nil {
		out = append(out, m.audio.track)
	}
	if m.video != nil {
		out = append(out, m.video.track)
	}
	return out
}

func (m *localMedia) close() {
	if m == nil {
		return
	}
	if m.audio != nil {
		m.audio.close()
	}
	if m.video != nil {
		m.video.close()
	}
	if m.stop != nil {
		m.stop()
	}
}

// buildAPI assembles the Pion API for one peer connection: default codecs
// and interceptors plus the configured ICE timeouts. The default
// disconnectedTimeout of 5 s is far too short for relay paths that can have
// brief outages during re-keying or failover.
func buildAPI(cfg config.Call) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		time.Duration(cfg.ICEDisconnectSec)*time.Second,
		time.Duration(cfg.ICEFailSec)*time.Second,
		2*time.Second,
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(cfg config.Call) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, u := range cfg.STUNServers {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
