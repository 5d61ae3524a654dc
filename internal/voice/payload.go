package voice

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"campus-chat/internal/signaling"
)

const payloadCandidate = "candidate"

type signal struct {
	Type      string
	Desc      SessionDescription
	Candidate Candidate
}

type descPayload struct {
	Type string             `json:"type"`
	SDP  SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Type      string    `json:"type"`
	Candidate Candidate `json:"candidate"`
}

func encodeDescription(desc SessionDescription) json.RawMessage {
	b, _ := json.Marshal(descPayload{Type: string(desc.Type), SDP: desc})
	return b
}

func encodeCandidate(c Candidate) json.RawMessage {
	b, _ := json.Marshal(candidatePayload{Type: payloadCandidate, Candidate: c})
	return b
}

// decodeSignal accepts the sdp and candidate either as bare strings or as
// the objects browsers serialize.
func decodeSignal(raw json.RawMessage) (signal, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return signal{}, fmt.Errorf("%w: voice signal without payload", signaling.ErrMalformedFrame)
	}
	doc := gjson.ParseBytes(raw)
	sig := signal{Type: doc.Get("type").String()}

	switch sig.Type {
	case string(SDPOffer), string(SDPAnswer):
		v := doc.Get("sdp")
		sdp := v.String()
		if v.IsObject() {
			sdp = v.Get("sdp").String()
		}
		if sdp == "" {
			return signal{}, fmt.Errorf("%w: %s without sdp", signaling.ErrMalformedFrame, sig.Type)
		}
		sig.Desc = SessionDescription{Type: SDPType(sig.Type), SDP: sdp}
	case payloadCandidate:
		v := doc.Get("candidate")
		src := doc
		if v.IsObject() {
			src = v
			v = v.Get("candidate")
		}
		sig.Candidate.Candidate = v.String()
		if mid := src.Get("sdpMid"); mid.Exists() && mid.Type != gjson.Null {
			s := mid.String()
			sig.Candidate.SDPMid = &s
		}
		if idx := src.Get("sdpMLineIndex"); idx.Exists() && idx.Type != gjson.Null {
			n := uint16(idx.Uint())
			sig.Candidate.SDPMLineIndex = &n
		}
	default:
		return signal{}, fmt.Errorf("%w: unknown voice signal %q", signaling.ErrMalformedFrame, sig.Type)
	}
	return sig, nil
}
