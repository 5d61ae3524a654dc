// Package pionrtc backs the voice controller with pion/webrtc.
package pionrtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"campus-chat/internal/voice"
)

// Factory opens pion peer connections sharing one media engine.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory registers the default codecs and uses stunURLs for ICE.
func NewFactory(stunURLs []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m)), config: cfg}, nil
}

func (f *Factory) NewPeerConnection(peerID string) (voice.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}
	return &PeerConnection{pc: pc}, nil
}

// PeerConnection adapts *webrtc.PeerConnection.
type PeerConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []voice.Sender
}

func (p *PeerConnection) CreateOffer() (voice.SessionDescription, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return voice.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (p *PeerConnection) CreateAnswer() (voice.SessionDescription, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return voice.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (p *PeerConnection) SetLocalDescription(desc voice.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *PeerConnection) SetRemoteDescription(desc voice.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *PeerConnection) AddICECandidate(c voice.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// AddTrack accepts tracks opened by Devices.
func (p *PeerConnection) AddTrack(track voice.Track) (voice.Sender, error) {
	lt, ok := track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("pionrtc: unsupported track type %T", track)
	}
	rtp, err := p.pc.AddTrack(lt.local)
	if err != nil {
		return nil, err
	}
	s := &Sender{rtp: rtp, kind: lt.kind, track: lt}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *PeerConnection) Senders() []voice.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]voice.Sender(nil), p.senders...)
}

// OnICECandidate forwards gathered candidates; the end-of-gathering nil is dropped.
func (p *PeerConnection) OnICECandidate(fn func(voice.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(voice.Candidate{Candidate: ci.Candidate, SDPMid: ci.SDPMid, SDPMLineIndex: ci.SDPMLineIndex})
	})
}

func (p *PeerConnection) OnTrack(fn func(voice.RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(voice.RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: voice.TrackKind(t.Kind().String())})
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(voice.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(voice.ConnectionState(s.String()))
	})
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

// Sender adapts *webrtc.RTPSender and remembers its kind after the track is detached.
type Sender struct {
	rtp  *webrtc.RTPSender
	kind voice.TrackKind

	mu    sync.Mutex
	track voice.Track
}

func (s *Sender) Kind() voice.TrackKind { return s.kind }

func (s *Sender) Track() voice.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track voice.Track) error {
	var local webrtc.TrackLocal
	if track != nil {
		lt, ok := track.(*LocalTrack)
		if !ok {
			return fmt.Errorf("pionrtc: unsupported track type %T", track)
		}
		local = lt.local
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()
	return nil
}

func fromPion(desc webrtc.SessionDescription) voice.SessionDescription {
	return voice.SessionDescription{Type: voice.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toPion(desc voice.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}
