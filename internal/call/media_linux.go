//go:build linux

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/storage"
)

// encodedSource wraps a mediadevices EncodedReadCloser as a frameSource.
type encodedSource struct{ r mediadevices.EncodedReadCloser }

func (s *encodedSource) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *encodedSource) Close() error { return s.r.Close() }

// openLocalMedia captures microphone (and camera for video calls) via
// pion/mediadevices (V4L2 + malgo) and wraps each capture in a gated sample
// track. A capture failure aborts the call: a session without local media
// is reported as ErrMediaAccessDenied rather than silently degraded.
func openLocalMedia(callID string, ctype storage.CallType, cfg config.Call) (*localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if ctype == storage.CallVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			// Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640x480; higher resolutions increase VP8 encoding
			// latency without helping a peer-to-peer call.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	tracks := stream.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}

	lm := &localMedia{stop: closeAll}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", shortID(callID), err)
			}
		})

		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			r, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("%w: opus reader: %v", ErrMediaAccessDenied, err)
			}
			out, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				"audio", "parley",
			)
			if err != nil {
				closeAll()
				return nil, err
			}
			lm.audio = newGatedTrack(callID, out, &encodedSource{r: r}, 20*time.Millisecond)

		case webrtc.RTPCodecTypeVideo:
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				// Broken video encoder (e.g. malformed camera frames). A
				// poisoned VP8 encoder breaks SDP negotiation entirely, so
				// treat it the same as a missing camera.
				closeAll()
				return nil, fmt.Errorf("%w: vp8 reader: %v", ErrMediaAccessDenied, err)
			}
			out, err := webrtc.NewTrackLocalStaticSample(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
				"video", "parley",
			)
			if err != nil {
				closeAll()
				return nil, err
			}
			lm.video = newGatedTrack(callID, out, &encodedSource{r: r}, 33*time.Millisecond)
		}
	}

	if lm.audio == nil {
		lm.close()
		return nil, fmt.Errorf("%w: no audio track captured", ErrMediaAccessDenied)
	}
	if ctype == storage.CallVideo && lm.video == nil {
		lm.close()
		return nil, fmt.Errorf("%w: no video track captured", ErrMediaAccessDenied)
	}

	log.Printf("CALL [%s]: local media captured (%s), %d tracks", shortID(callID), ctype, len(tracks))
	return lm, nil
}
