package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"campus-chat/internal/models"
)

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevices struct {
	mu     sync.Mutex
	owner  string
	fail   map[TrackKind]error
	opened []*fakeTrack
}

func (d *fakeDevices) Open(_ context.Context, kind TrackKind) (Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[kind]; err != nil {
		return nil, err
	}
	t := &fakeTrack{id: fmt.Sprintf("%s-%s-%d", d.owner, kind, len(d.opened)), kind: kind, enabled: true}
	d.opened = append(d.opened, t)
	return t, nil
}

func (d *fakeDevices) tracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.opened...)
}

type fakeSender struct {
	kind  TrackKind
	track Track
}

func (s *fakeSender) Kind() TrackKind { return s.kind }
func (s *fakeSender) Track() Track    { return s.track }

func (s *fakeSender) ReplaceTrack(track Track) error {
	s.track = track
	return nil
}

type fakePC struct {
	owner, peer string
	failOn      map[string]error

	mu          sync.Mutex
	senders     []*fakeSender
	ops         []string
	closed      bool
	onCandidate func(Candidate)
	onTrack     func(RemoteTrack)
	onState     func(ConnectionState)
}

func (p *fakePC) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
	return p.failOn[op]
}

func (p *fakePC) CreateOffer() (SessionDescription, error) {
	if err := p.record("create-offer"); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPOffer, SDP: "offer " + p.owner + ">" + p.peer}, nil
}

func (p *fakePC) CreateAnswer() (SessionDescription, error) {
	if err := p.record("create-answer"); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: SDPAnswer, SDP: "answer " + p.owner + ">" + p.peer}, nil
}

func (p *fakePC) SetLocalDescription(desc SessionDescription) error {
	return p.record("local-" + string(desc.Type))
}

func (p *fakePC) SetRemoteDescription(desc SessionDescription) error {
	return p.record("remote-" + string(desc.Type))
}

func (p *fakePC) AddICECandidate(c Candidate) error {
	return p.record("candidate " + c.Candidate)
}

func (p *fakePC) AddTrack(track Track) (Sender, error) {
	if err := p.record("add-" + string(track.Kind())); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{kind: track.Kind(), track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) Senders() []Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *fakePC) OnICECandidate(fn func(Candidate))                { p.onCandidate = fn }
func (p *fakePC) OnTrack(fn func(RemoteTrack))                     { p.onTrack = fn }
func (p *fakePC) OnConnectionStateChange(fn func(ConnectionState)) { p.onState = fn }

func (p *fakePC) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) opList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

type fakeFactory struct {
	mu     sync.Mutex
	owner  string
	failOn map[string]map[string]error
	pcs    []*fakePC
}

func (f *fakeFactory) NewPeerConnection(peerID string) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{owner: f.owner, peer: peerID, failOn: f.failOn[peerID]}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

// latest returns the newest connection opened toward peerID.
func (f *fakeFactory) latest(peerID string) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.pcs) - 1; i >= 0; i-- {
		if f.pcs[i].peer == peerID {
			return f.pcs[i]
		}
	}
	return nil
}

func (f *fakeFactory) all() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.pcs...)
}

type node struct {
	id      string
	ctrl    *Controller
	devices *fakeDevices
	factory *fakeFactory
}

type delivery struct {
	from  string
	frame any
}

// network is an in-memory relay: it answers join-voice the way the server
// does and forwards voice-signal frames to their target.
type network struct {
	mu      sync.Mutex
	queue   []delivery
	nodes   map[string]*node
	members map[string][]string
	offers  map[[2]string]int
	errs    []error
	down    bool
}

func newNetwork() *network {
	return &network{
		nodes:   make(map[string]*node),
		members: make(map[string][]string),
		offers:  make(map[[2]string]int),
	}
}

type netSignaler struct {
	net *network
	id  string
}

func (s netSignaler) Send(v any) error {
	s.net.mu.Lock()
	if s.net.down {
		s.net.mu.Unlock()
		return errors.New("not connected")
	}
	s.net.queue = append(s.net.queue, delivery{from: s.id, frame: v})
	s.net.mu.Unlock()
	return nil
}

func (n *network) add(id string) *node {
	nd := &node{
		id:      id,
		devices: &fakeDevices{owner: id},
		factory: &fakeFactory{owner: id},
	}
	nd.ctrl = NewController(id, netSignaler{net: n, id: id}, nd.devices, nd.factory, nopLogger())
	n.nodes[id] = nd
	return nd
}

func (n *network) pump() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		n.route(d)
	}
}

func (n *network) route(d delivery) {
	switch f := d.frame.(type) {
	case models.VoiceMembershipFrame:
		switch f.Type {
		case models.FrameJoinVoice:
			var existing []string
			rejoin := false
			for _, id := range n.members[f.RoomID] {
				if id == d.from {
					rejoin = true
					continue
				}
				existing = append(existing, id)
			}
			n.members[f.RoomID] = append(append([]string(nil), existing...), d.from)
			n.deliver(d.from, models.Envelope{Kind: models.KindPresence, Type: models.FrameVoiceMembers, RoomID: f.RoomID, Members: existing})
			for _, id := range existing {
				if rejoin {
					n.deliver(id, models.Envelope{Kind: models.KindPresence, Type: models.FrameVoiceLeft, RoomID: f.RoomID, SenderID: d.from})
				}
				n.deliver(id, models.Envelope{Kind: models.KindPresence, Type: models.FrameVoiceJoined, RoomID: f.RoomID, SenderID: d.from})
			}
		case models.FrameLeaveVoice:
			var rest []string
			for _, id := range n.members[f.RoomID] {
				if id != d.from {
					rest = append(rest, id)
				}
			}
			n.members[f.RoomID] = rest
			for _, id := range rest {
				n.deliver(id, models.Envelope{Kind: models.KindPresence, Type: models.FrameVoiceLeft, RoomID: f.RoomID, SenderID: d.from})
			}
		}
	case models.VoiceSignalFrame:
		if gjson.GetBytes(f.Payload, "type").String() == string(SDPOffer) {
			n.offers[[2]string{d.from, f.TargetID}]++
		}
		n.deliver(f.TargetID, models.Envelope{
			Kind:     models.KindVoiceSignal,
			Type:     models.FrameVoiceSignal,
			RoomID:   f.RoomID,
			SenderID: d.from,
			TargetID: f.TargetID,
			Payload:  f.Payload,
		})
	}
}

func (n *network) deliver(to string, env models.Envelope) {
	nd, ok := n.nodes[to]
	if !ok {
		return
	}
	if err := nd.ctrl.HandleEnvelope(env); err != nil {
		n.errs = append(n.errs, err)
	}
}

func (n *network) negotiationErrors() []error {
	var out []error
	for _, err := range n.errs {
		if errors.Is(err, ErrNegotiation) {
			out = append(out, err)
		}
	}
	return out
}

func peerIDs(st ChannelState) []string {
	ids := make([]string, 0, len(st.Peers))
	for _, p := range st.Peers {
		ids = append(ids, p.PeerID)
	}
	sort.Strings(ids)
	return ids
}
