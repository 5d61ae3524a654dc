package voice

import (
	"strconv"
	"sync/atomic"
)

// PeerState is the negotiation state of one peer session.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return "idle"
	}
}

type peerSession struct {
	id    string
	pc    PeerConnection
	state PeerState

	initiator  bool
	localOffer bool
	remoteSet  bool
	candidates []Candidate
	remote     []RemoteTrack
	closed     atomic.Bool
}

func (p *peerSession) videoSender() Sender {
	for _, s := range p.pc.Senders() {
		if s.Kind() == KindVideo {
			return s
		}
	}
	return nil
}

// offersTo reports whether self creates the offer toward peer. Integer ids
// compare numerically, anything else lexically; the lower id offers.
func offersTo(self, peer string) bool {
	a, errA := strconv.ParseInt(self, 10, 64)
	b, errB := strconv.ParseInt(peer, 10, 64)
	if errA == nil && errB == nil {
		return a < b
	}
	return self < peer
}
