package negotiation

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/signaling"
)

// holder publishes a negotiator to transport callbacks that are created
// before the negotiator exists.
type holder struct {
	mu sync.Mutex
	n  *Negotiator
}

func (h *holder) set(n *Negotiator) {
	h.mu.Lock()
	h.n = n
	h.mu.Unlock()
}

func (h *holder) get() *Negotiator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// pipe is an in-memory signaling channel delivering to one peer. Delivery is
// asynchronous so neither side's lock is held across the exchange, the same
// decoupling the real WebSocket relay provides.
type pipe struct {
	target *holder
	queue  chan func(n *Negotiator)
}

func newPipe(t *testing.T, target *holder) *pipe {
	p := &pipe{target: target, queue: make(chan func(*Negotiator), 64)}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case f := <-p.queue:
				if n := target.get(); n != nil {
					f(n)
				}
			case <-done:
				return
			}
		}
	}()
	return p
}

func (p *pipe) SendOffer(_ string, sdp signaling.SDP) error {
	p.queue <- func(n *Negotiator) { _ = n.HandleOffer(sdp) }
	return nil
}

func (p *pipe) SendAnswer(_ string, sdp signaling.SDP) error {
	p.queue <- func(n *Negotiator) { _ = n.HandleAnswer(sdp) }
	return nil
}

func (p *pipe) SendIceCandidate(_ string, cand signaling.Candidate) error {
	p.queue <- func(n *Negotiator) { _ = n.HandleRemoteCandidate(cand) }
	return nil
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// Full negotiation between two real peer connections over a virtual network:
// offer/answer plus trickle ICE through the async pipes, ending with both
// sides connected.
func TestNegotiatorsConnectOverVirtualNetwork(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.10"
		ipB  = "10.0.0.20"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := newVNetAPI(netA)
	if err != nil {
		t.Fatalf("api A: %v", err)
	}
	apiB, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("api B: %v", err)
	}

	holderA, holderB := &holder{}, &holder{}

	trA, err := NewPionTransport(apiA, nil, PionCallbacks{
		OnLocalCandidate: func(c signaling.Candidate) {
			if n := holderA.get(); n != nil {
				n.HandleLocalCandidate(c)
			}
		},
		OnConnected: func() {
			if n := holderA.get(); n != nil {
				n.HandleConnected()
			}
		},
	})
	if err != nil {
		t.Fatalf("transport A: %v", err)
	}
	trB, err := NewPionTransport(apiB, nil, PionCallbacks{
		OnLocalCandidate: func(c signaling.Candidate) {
			if n := holderB.get(); n != nil {
				n.HandleLocalCandidate(c)
			}
		},
		OnConnected: func() {
			if n := holderB.get(); n != nil {
				n.HandleConnected()
			}
		},
	})
	if err != nil {
		t.Fatalf("transport B: %v", err)
	}

	nA := NewNegotiator(NegotiatorConfig{
		PartnerID: "b",
		Initiator: true,
		Transport: trA,
		Signaler:  newPipe(t, holderB),
	})
	nB := NewNegotiator(NegotiatorConfig{
		PartnerID: "a",
		Initiator: false,
		Transport: trB,
		Signaler:  newPipe(t, holderA),
	})
	holderA.set(nA)
	holderB.set(nB)
	t.Cleanup(func() {
		_ = nA.Close()
		_ = nB.Close()
	})

	if err := nB.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	if err := nA.Start(); err != nil {
		t.Fatalf("start initiator: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		if nA.State() == StateConnected && nB.State() == StateConnected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("not connected: a=%s b=%s", nA.State(), nB.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
