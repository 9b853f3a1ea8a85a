package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// NewAPI builds the pion API shared by all peer connections, with the
// default audio codecs registered.
func NewAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)), nil
}

// PionCallbacks surface transport events to the negotiator.
type PionCallbacks struct {
	OnLocalCandidate func(signaling.Candidate)
	OnConnected      func()
	OnFailed         func()
}

// PionTransport adapts a pion PeerConnection to the Transport interface.
// Every connection carries one bidirectional audio transceiver; the voice
// stream itself flows peer to peer and never touches this process.
type PionTransport struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

func NewPionTransport(api *webrtc.API, iceServers []webrtc.ICEServer, cb PionCallbacks) (*PionTransport, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks end of gathering.
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			// Disconnected is transient and Closed is always self-inflicted;
			// only Failed ends the attempt.
			if cb.OnFailed != nil {
				cb.OnFailed()
			}
		}
	})

	return &PionTransport{pc: pc}, nil
}

func (t *PionTransport) CreateOffer() (signaling.SDP, error) {
	desc, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(desc), nil
}

func (t *PionTransport) CreateAnswer() (signaling.SDP, error) {
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, err
	}
	return signaling.SDPFromPion(desc), nil
}

func (t *PionTransport) SetLocalDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetLocalDescription(desc)
}

func (t *PionTransport) SetRemoteDescription(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(desc)
}

func (t *PionTransport) AddICECandidate(cand signaling.Candidate) error {
	return t.pc.AddICECandidate(cand.ToPion())
}

func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.pc.Close() })
	return t.closeErr
}
