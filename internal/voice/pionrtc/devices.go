package pionrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"campus-chat/internal/voice"
)

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Devices hands out sample-fed local tracks. A headless client has no
// capture hardware, so audio tracks are fed silence until something else
// writes samples.
type Devices struct {
	StreamID string
	// FeedSilence keeps opened audio tracks ticking with silent Opus frames.
	FeedSilence bool
}

func (d *Devices) Open(ctx context.Context, kind voice.TrackKind) (voice.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var codec webrtc.RTPCodecCapability
	switch kind {
	case voice.KindAudio:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case voice.KindVideo:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, fmt.Errorf("pionrtc: unknown track kind %q", kind)
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = "campus"
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{local: local, kind: kind, enabled: true, done: make(chan struct{})}
	if kind == voice.KindAudio && d.FeedSilence {
		go t.feed(opusSilence, 20*time.Millisecond)
	}
	return t, nil
}

// LocalTrack is a pion sample track with enable and stop semantics.
type LocalTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  voice.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
	done    chan struct{}
}

func (t *LocalTrack) ID() string            { return t.local.ID() }
func (t *LocalTrack) Kind() voice.TrackKind { return t.kind }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop ends the track for good.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.done)
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// WriteSample sends one encoded frame. Frames are dropped while the track
// is disabled or stopped.
func (t *LocalTrack) WriteSample(data []byte, d time.Duration) error {
	t.mu.Lock()
	live := t.enabled && !t.stopped
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: d})
}

func (t *LocalTrack) feed(frame []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_ = t.WriteSample(frame, every)
		}
	}
}

var (
	_ voice.MediaDevices   = (*Devices)(nil)
	_ voice.PeerFactory    = (*Factory)(nil)
	_ voice.PeerConnection = (*PeerConnection)(nil)
	_ voice.Sender         = (*Sender)(nil)
)
