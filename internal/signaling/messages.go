package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeAuth MessageType = "auth"

	// Queue control, client -> server.
	TypeJoinQueue   MessageType = "join-queue"
	TypeLeaveQueue  MessageType = "leave-queue"
	TypeSkipPartner MessageType = "skip-partner"
	TypeEndCall     MessageType = "end-call"

	// Session negotiation, relayed between paired participants.
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeIceCandidate MessageType = "ice-candidate"

	// Server -> client notifications.
	TypeMatchFound          MessageType = "match-found"
	TypePartnerDisconnected MessageType = "partner-disconnected"
	TypeCallEnded           MessageType = "call-ended"
	TypePartnerSkipped      MessageType = "partner-skipped"
	TypeReturnToQueue       MessageType = "return-to-queue"
	TypeOnlineCount         MessageType = "online-count"
	TypeError               MessageType = "error"
)

// SDP is a minimal, JSON-friendly session description. The relay never
// inspects the SDP body; these types model the protocol surface only.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the tagged union carried over the signaling WebSocket in both
// directions. Inbound negotiation messages carry Target; the relay rewrites
// them to carry From before forwarding.
type Message struct {
	Type MessageType `json:"type"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`

	// match-found payload.
	PartnerID   string `json:"partnerId,omitempty"`
	IsInitiator *bool  `json:"isInitiator,omitempty"`

	// online-count payload.
	Count *int `json:"count,omitempty"`

	// auth payload.
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	// error payload.
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ParseMessage decodes and validates a single wire message. Unknown fields,
// trailing data, and shape violations are rejected at the boundary so no
// malformed request ever mutates queue or pairing state.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.hasNegotiationPayload() || m.Target != "" || m.From != "" || m.PartnerID != "" || m.Count != nil {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case TypeJoinQueue, TypeLeaveQueue, TypeSkipPartner, TypeEndCall,
		TypePartnerDisconnected, TypeCallEnded, TypePartnerSkipped, TypeReturnToQueue:
		if m.hasNegotiationPayload() || m.Target != "" || m.From != "" ||
			m.PartnerID != "" || m.IsInitiator != nil || m.Count != nil || m.hasAuthPayload() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.Offer.Type != "offer" || m.Offer.SDP == "" {
			return fmt.Errorf("offer message has invalid sdp")
		}
		if m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected fields")
		}
		return m.validateAddressing()
	case TypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" || m.Answer.SDP == "" {
			return fmt.Errorf("answer message has invalid sdp")
		}
		if m.Offer != nil || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
		return m.validateAddressing()
	case TypeIceCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
		return m.validateAddressing()
	case TypeMatchFound:
		if m.PartnerID == "" || m.IsInitiator == nil {
			return fmt.Errorf("match-found message missing partnerId/isInitiator")
		}
		if m.hasNegotiationPayload() || m.Target != "" || m.From != "" || m.Count != nil {
			return fmt.Errorf("match-found message has unexpected fields")
		}
	case TypeOnlineCount:
		if m.Count == nil || *m.Count < 0 {
			return fmt.Errorf("online-count message missing count")
		}
		if m.hasNegotiationPayload() || m.Target != "" || m.From != "" || m.PartnerID != "" {
			return fmt.Errorf("online-count message has unexpected fields")
		}
	case TypeError:
		if m.Code == "" || m.Reason == "" {
			return fmt.Errorf("error message missing code/reason")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// validateAddressing enforces that a negotiation message is addressed exactly
// one way: Target when inbound at the relay, From once forwarded.
func (m Message) validateAddressing() error {
	if m.Target == "" && m.From == "" {
		return fmt.Errorf("%s message missing target", m.Type)
	}
	if m.Target != "" && m.From != "" {
		return fmt.Errorf("%s message has both target and from", m.Type)
	}
	if m.PartnerID != "" || m.IsInitiator != nil || m.Count != nil || m.hasAuthPayload() {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}

func (m Message) hasNegotiationPayload() bool {
	return m.Offer != nil || m.Answer != nil || m.Candidate != nil
}

func (m Message) hasAuthPayload() bool {
	return m.APIKey != "" || m.Token != ""
}

// Forwarded returns the relayed form of a negotiation message: verbatim
// payload, Target cleared, From set to the sender.
func (m Message) Forwarded(from string) Message {
	out := m
	out.Target = ""
	out.From = from
	return out
}

func MatchFound(partnerID string, isInitiator bool) Message {
	return Message{Type: TypeMatchFound, PartnerID: partnerID, IsInitiator: &isInitiator}
}

func OnlineCount(n int) Message {
	return Message{Type: TypeOnlineCount, Count: &n}
}
