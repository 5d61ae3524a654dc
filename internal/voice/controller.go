package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"campus-chat/internal/models"
	"campus-chat/internal/observability"
)

// PeerSnapshot is the observable state of one peer session.
type PeerSnapshot struct {
	PeerID       string
	State        PeerState
	Initiator    bool
	RemoteTracks []RemoteTrack
}

// ChannelState is the observable state of the local voice channel.
type ChannelState struct {
	RoomID   string
	Joined   bool
	MicOn    bool
	CameraOn bool
	Members  []string
	Peers    []PeerSnapshot
}

// Controller owns the local devices and one peer session per remote member
// of the joined channel.
type Controller struct {
	selfID  string
	signal  Signaler
	devices MediaDevices
	factory PeerFactory
	log     zerolog.Logger

	mu       sync.Mutex
	room     string
	joined   bool
	micOn    bool
	camOn    bool
	audio    Track
	video    Track
	members  map[string]struct{}
	peers    map[string]*peerSession
	closing  []PeerConnection
	onChange func()
}

func NewController(selfID string, signal Signaler, devices MediaDevices, factory PeerFactory, log zerolog.Logger) *Controller {
	return &Controller{
		selfID:  selfID,
		signal:  signal,
		devices: devices,
		factory: factory,
		log:     log.With().Str("component", "voice").Logger(),
		micOn:   true,
		members: make(map[string]struct{}),
		peers:   make(map[string]*peerSession),
	}
}

// OnChange registers a callback fired after the channel state changes.
func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// unlock releases c.mu, then closes connections queued while it was held and
// fires the change callback. Closing outside the lock keeps media stack
// callbacks from deadlocking against us.
func (c *Controller) unlock(changed bool) {
	closing := c.closing
	c.closing = nil
	fn := c.onChange
	c.mu.Unlock()

	for _, pc := range closing {
		if err := pc.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close peer connection")
		}
	}
	if changed && fn != nil {
		fn()
	}
}

// JoinChannel acquires the local devices and announces membership. If a
// device cannot be opened the channel stays unjoined and nothing is held.
// If the announcement cannot be sent the channel stays joined locally,
// ErrAnnounce is returned and Reannounce sends it after the next reconnect.
func (c *Controller) JoinChannel(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.joined && c.room == roomID {
		c.unlock(false)
		return nil
	}
	if c.joined {
		c.leaveLocked()
	}

	audio, err := c.devices.Open(ctx, KindAudio)
	if err != nil {
		c.unlock(false)
		return fmt.Errorf("%w: microphone: %v", ErrDeviceAcquisition, err)
	}
	var video Track
	if c.camOn {
		video, err = c.devices.Open(ctx, KindVideo)
		if err != nil {
			audio.Stop()
			c.unlock(false)
			return fmt.Errorf("%w: camera: %v", ErrDeviceAcquisition, err)
		}
	}
	audio.SetEnabled(c.micOn)

	c.audio, c.video = audio, video
	c.room = roomID
	c.joined = true
	c.members = make(map[string]struct{})
	announceErr := c.announce(models.FrameJoinVoice)
	c.log.Info().Str("room", roomID).Bool("camera", video != nil).Msg("joined voice channel")
	c.unlock(true)
	if announceErr != nil {
		return fmt.Errorf("%w: %v", ErrAnnounce, announceErr)
	}
	return nil
}

// LeaveChannel stops every local track, closes every peer session and
// announces departure.
func (c *Controller) LeaveChannel() error {
	c.mu.Lock()
	if !c.joined {
		c.unlock(false)
		return nil
	}
	err := c.leaveLocked()
	c.unlock(true)
	return err
}

func (c *Controller) leaveLocked() error {
	room := c.room
	c.stopTracks()
	for _, ps := range c.peers {
		c.closePeer(ps)
	}
	c.members = make(map[string]struct{})
	err := c.announce(models.FrameLeaveVoice)
	c.joined = false
	c.room = ""
	c.log.Info().Str("room", room).Msg("left voice channel")
	return err
}

func (c *Controller) stopTracks() {
	if c.audio != nil {
		c.audio.Stop()
		c.audio = nil
	}
	if c.video != nil {
		c.video.Stop()
		c.video = nil
	}
}

// Reannounce re-sends join-voice after the signaling channel reconnected.
// The relay dropped us on disconnect and the other members closed their
// sessions, so ours are discarded and rebuilt from the fresh member list.
func (c *Controller) Reannounce() error {
	c.mu.Lock()
	if !c.joined {
		c.unlock(false)
		return nil
	}
	for _, ps := range c.peers {
		c.closePeer(ps)
	}
	c.members = make(map[string]struct{})
	err := c.announce(models.FrameJoinVoice)
	c.unlock(true)
	return err
}

func (c *Controller) announce(frameType string) error {
	err := c.signal.Send(models.VoiceMembershipFrame{Type: frameType, RoomID: c.room, UserID: c.selfID})
	if err != nil {
		c.log.Warn().Err(err).Str("room", c.room).Str("frame", frameType).Msg("voice announcement not sent")
	}
	return err
}

// HandleEnvelope routes voice membership and signaling envelopes.
func (c *Controller) HandleEnvelope(env models.Envelope) error {
	switch env.Type {
	case models.FrameVoiceMembers:
		c.OnMembers(env.RoomID, env.Members)
	case models.FrameVoiceJoined, models.FrameJoinVoice:
		c.OnPeerJoined(env.RoomID, env.SenderID)
	case models.FrameVoiceLeft, models.FrameLeaveVoice:
		c.OnPeerLeft(env.RoomID, env.SenderID)
	case models.FrameVoiceSignal:
		return c.HandleSignal(env)
	}
	return nil
}

// OnMembers applies the relay's member list for the channel.
func (c *Controller) OnMembers(roomID string, members []string) {
	c.mu.Lock()
	if !c.inRoom(roomID) {
		c.unlock(false)
		return
	}
	listed := make(map[string]struct{}, len(members))
	for _, id := range members {
		if id != c.selfID {
			listed[id] = struct{}{}
		}
	}
	for id, ps := range c.peers {
		if _, ok := listed[id]; !ok {
			c.closePeer(ps)
		}
	}
	c.members = make(map[string]struct{}, len(listed))
	ids := make([]string, 0, len(listed))
	for id := range listed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.peerJoinedLocked(id)
	}
	c.unlock(true)
}

// OnPeerJoined opens a session to a new member. The lower id of the pair
// sends the offer; the other side waits for it.
func (c *Controller) OnPeerJoined(roomID, peerID string) {
	c.mu.Lock()
	if !c.inRoom(roomID) || peerID == "" || peerID == c.selfID {
		c.unlock(false)
		return
	}
	c.peerJoinedLocked(peerID)
	c.unlock(true)
}

func (c *Controller) peerJoinedLocked(peerID string) {
	c.members[peerID] = struct{}{}
	if _, ok := c.peers[peerID]; ok {
		return
	}
	initiator := offersTo(c.selfID, peerID)
	ps, err := c.openPeer(peerID, initiator)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", peerID).Msg("open peer session")
		return
	}
	if initiator {
		if err := c.offer(ps); err != nil {
			c.log.Warn().Err(err).Str("peer", peerID).Msg("initial offer")
		}
	}
}

// OnPeerLeft closes one peer's session. Other peers are untouched. A
// departure of our own id means another connection of ours took the seat,
// so the channel is released here without announcing.
func (c *Controller) OnPeerLeft(roomID, peerID string) {
	c.mu.Lock()
	if !c.inRoom(roomID) {
		c.unlock(false)
		return
	}
	if peerID == c.selfID {
		c.stopTracks()
		for _, ps := range c.peers {
			c.closePeer(ps)
		}
		c.members = make(map[string]struct{})
		c.joined = false
		c.room = ""
		c.log.Info().Str("room", roomID).Msg("voice channel taken over by another connection")
		c.unlock(true)
		return
	}
	delete(c.members, peerID)
	if ps, ok := c.peers[peerID]; ok {
		c.closePeer(ps)
	}
	c.unlock(true)
}

// HandleSignal applies an offer, answer or candidate addressed to us. A
// failure closes only the sending peer's session.
func (c *Controller) HandleSignal(env models.Envelope) error {
	if env.TargetID != c.selfID || env.SenderID == "" || env.SenderID == c.selfID {
		return nil
	}
	sig, err := decodeSignal(env.Payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.joined || (env.RoomID != "" && env.RoomID != c.room) {
		c.unlock(false)
		return nil
	}
	peerID := env.SenderID
	ps := c.peers[peerID]

	switch sig.Type {
	case string(SDPOffer):
		if ps == nil {
			c.members[peerID] = struct{}{}
			ps, err = c.openPeer(peerID, false)
			if err != nil {
				c.unlock(true)
				return err
			}
		}
		err = c.acceptOffer(ps, sig.Desc)
	case string(SDPAnswer):
		if ps == nil || !ps.localOffer {
			c.unlock(false)
			return nil
		}
		err = c.acceptAnswer(ps, sig.Desc)
	case payloadCandidate:
		if ps == nil {
			c.unlock(false)
			return nil
		}
		if !ps.remoteSet {
			ps.candidates = append(ps.candidates, sig.Candidate)
			c.unlock(false)
			return nil
		}
		if cerr := ps.pc.AddICECandidate(sig.Candidate); cerr != nil {
			err = c.failPeer(ps, "add candidate", cerr)
		}
	}
	c.unlock(true)
	return err
}

func (c *Controller) acceptOffer(ps *peerSession, desc SessionDescription) error {
	rolledBack := false
	if ps.localOffer {
		if offersTo(c.selfID, ps.id) {
			// Both sides offered; ours wins and theirs is dropped.
			return nil
		}
		if err := ps.pc.SetLocalDescription(SessionDescription{Type: SDPRollback}); err != nil {
			return c.failPeer(ps, "rollback", err)
		}
		ps.localOffer = false
		rolledBack = true
	}
	ps.state = PeerNegotiating
	if err := ps.pc.SetRemoteDescription(desc); err != nil {
		return c.failPeer(ps, "set remote offer", err)
	}
	if err := c.remoteApplied(ps); err != nil {
		return err
	}
	answer, err := ps.pc.CreateAnswer()
	if err != nil {
		return c.failPeer(ps, "create answer", err)
	}
	if err := ps.pc.SetLocalDescription(answer); err != nil {
		return c.failPeer(ps, "set local answer", err)
	}
	ps.state = PeerConnected
	if err := c.sendSignal(ps.id, encodeDescription(answer)); err != nil {
		return err
	}
	if rolledBack {
		// Our withdrawn offer still carries local changes.
		return c.offer(ps)
	}
	return nil
}

func (c *Controller) acceptAnswer(ps *peerSession, desc SessionDescription) error {
	if err := ps.pc.SetRemoteDescription(desc); err != nil {
		return c.failPeer(ps, "set remote answer", err)
	}
	ps.localOffer = false
	if err := c.remoteApplied(ps); err != nil {
		return err
	}
	ps.state = PeerConnected
	return nil
}

// remoteApplied flushes candidates that arrived before the remote description.
func (c *Controller) remoteApplied(ps *peerSession) error {
	ps.remoteSet = true
	queued := ps.candidates
	ps.candidates = nil
	for _, cand := range queued {
		if err := ps.pc.AddICECandidate(cand); err != nil {
			return c.failPeer(ps, "add queued candidate", err)
		}
	}
	return nil
}

func (c *Controller) offer(ps *peerSession) error {
	ps.state = PeerNegotiating
	desc, err := ps.pc.CreateOffer()
	if err != nil {
		return c.failPeer(ps, "create offer", err)
	}
	if err := ps.pc.SetLocalDescription(desc); err != nil {
		return c.failPeer(ps, "set local offer", err)
	}
	ps.localOffer = true
	return c.sendSignal(ps.id, encodeDescription(desc))
}

func (c *Controller) sendSignal(peerID string, payload json.RawMessage) error {
	return c.signal.Send(models.VoiceSignalFrame{
		Type:     models.FrameVoiceSignal,
		RoomID:   c.room,
		TargetID: peerID,
		SenderID: c.selfID,
		Payload:  payload,
	})
}

// openPeer creates the session and attaches the local tracks. Caller holds c.mu.
func (c *Controller) openPeer(peerID string, initiator bool) (*peerSession, error) {
	pc, err := c.factory.NewPeerConnection(peerID)
	if err != nil {
		observability.IncNegotiationFailure()
		return nil, fmt.Errorf("%w: open connection to %s: %v", ErrNegotiation, peerID, err)
	}
	ps := &peerSession{id: peerID, pc: pc, initiator: initiator}

	for _, t := range []Track{c.audio, c.video} {
		if t == nil {
			continue
		}
		if _, err := pc.AddTrack(t); err != nil {
			c.closing = append(c.closing, pc)
			observability.IncNegotiationFailure()
			return nil, fmt.Errorf("%w: attach %s track for %s: %v", ErrNegotiation, t.Kind(), peerID, err)
		}
	}

	room := c.room
	pc.OnICECandidate(func(cand Candidate) {
		if ps.closed.Load() {
			return
		}
		err := c.signal.Send(models.VoiceSignalFrame{
			Type:     models.FrameVoiceSignal,
			RoomID:   room,
			TargetID: peerID,
			SenderID: c.selfID,
			Payload:  encodeCandidate(cand),
		})
		if err != nil {
			c.log.Debug().Err(err).Str("peer", peerID).Msg("candidate not sent")
		}
	})
	pc.OnTrack(func(rt RemoteTrack) {
		c.mu.Lock()
		if c.peers[peerID] != ps {
			c.unlock(false)
			return
		}
		ps.remote = append(ps.remote, rt)
		c.unlock(true)
	})
	pc.OnConnectionStateChange(func(st ConnectionState) {
		if st != ConnFailed {
			return
		}
		c.mu.Lock()
		if c.peers[peerID] != ps {
			c.unlock(false)
			return
		}
		_ = c.failPeer(ps, "ice", fmt.Errorf("connection %s", st))
		c.unlock(true)
	})

	c.peers[peerID] = ps
	observability.AddPeerSessions(1)
	c.log.Debug().Str("peer", peerID).Bool("initiator", initiator).Msg("peer session opened")
	return ps, nil
}

// failPeer tears down one session after a negotiation error. Caller holds c.mu.
func (c *Controller) failPeer(ps *peerSession, step string, cause error) error {
	observability.IncNegotiationFailure()
	c.log.Warn().Err(cause).Str("peer", ps.id).Str("step", step).Msg("negotiation failed, closing peer session")
	c.closePeer(ps)
	return fmt.Errorf("%w: %s with %s: %v", ErrNegotiation, step, ps.id, cause)
}

// closePeer removes a session and queues its connection for closing. Caller holds c.mu.
func (c *Controller) closePeer(ps *peerSession) {
	if ps.closed.Swap(true) {
		return
	}
	ps.state = PeerClosed
	ps.remote = nil
	delete(c.peers, ps.id)
	c.closing = append(c.closing, ps.pc)
	observability.AddPeerSessions(-1)
}

// ToggleCamera turns the camera on or off and returns the new setting.
// Outside a channel it only records the preference for the next join.
// Turning it on replaces the track of an existing video sender in place, or
// adds a sender and renegotiates with that peer.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if !c.joined {
		c.camOn = !c.camOn
		on := c.camOn
		c.unlock(true)
		return on, nil
	}

	if c.camOn {
		if c.video != nil {
			c.video.Stop()
			c.video = nil
		}
		for _, ps := range c.peers {
			if s := ps.videoSender(); s != nil {
				if err := s.ReplaceTrack(nil); err != nil {
					c.log.Debug().Err(err).Str("peer", ps.id).Msg("detach video")
				}
			}
		}
		c.camOn = false
		c.unlock(true)
		return false, nil
	}

	video, err := c.devices.Open(ctx, KindVideo)
	if err != nil {
		c.unlock(false)
		return false, fmt.Errorf("%w: camera: %v", ErrDeviceAcquisition, err)
	}
	c.video = video
	c.camOn = true

	var firstErr error
	for _, ps := range c.snapshotPeers() {
		if err := c.attachVideo(ps, video); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.unlock(true)
	return true, firstErr
}

func (c *Controller) attachVideo(ps *peerSession, video Track) error {
	if s := ps.videoSender(); s != nil {
		if err := s.ReplaceTrack(video); err != nil {
			return c.failPeer(ps, "replace video", err)
		}
		return nil
	}
	if _, err := ps.pc.AddTrack(video); err != nil {
		return c.failPeer(ps, "add video", err)
	}
	return c.offer(ps)
}

// snapshotPeers lists sessions so the map can change while iterating.
func (c *Controller) snapshotPeers() []*peerSession {
	out := make([]*peerSession, 0, len(c.peers))
	for _, ps := range c.peers {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ToggleMic mutes or unmutes the microphone and returns the new setting.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	c.micOn = !c.micOn
	if c.audio != nil {
		c.audio.SetEnabled(c.micOn)
	}
	on := c.micOn
	c.unlock(true)
	return on
}

// Snapshot returns the channel state.
func (c *Controller) Snapshot() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ChannelState{
		RoomID:   c.room,
		Joined:   c.joined,
		MicOn:    c.micOn,
		CameraOn: c.camOn,
		Members:  make([]string, 0, len(c.members)),
		Peers:    make([]PeerSnapshot, 0, len(c.peers)),
	}
	for id := range c.members {
		st.Members = append(st.Members, id)
	}
	sort.Strings(st.Members)
	for _, ps := range c.snapshotPeers() {
		st.Peers = append(st.Peers, PeerSnapshot{
			PeerID:       ps.id,
			State:        ps.state,
			Initiator:    ps.initiator,
			RemoteTracks: append([]RemoteTrack(nil), ps.remote...),
		})
	}
	return st
}

func (c *Controller) inRoom(roomID string) bool {
	return c.joined && (roomID == "" || roomID == c.room)
}
