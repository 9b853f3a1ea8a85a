package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientEvents are the callbacks invoked by the client's read loop, one per
// server-to-client message type. Nil callbacks are skipped. Callbacks run on
// the read loop goroutine and must not block.
type ClientEvents struct {
	OnMatchFound          func(partnerID string, isInitiator bool)
	OnOffer               func(from string, sdp SDP)
	OnAnswer              func(from string, sdp SDP)
	OnIceCandidate        func(from string, cand Candidate)
	OnPartnerDisconnected func()
	OnPartnerSkipped      func()
	OnCallEnded           func()
	OnReturnToQueue       func()
	OnOnlineCount         func(count int)
	OnError               func(code, reason string)

	// OnClose fires once when the read loop exits, with the read error that
	// ended it (nil after a clean close).
	OnClose func(err error)
}

type ClientOptions struct {
	// URL of the signaling endpoint, ws:// or wss://.
	URL string

	// Credentials for servers requiring auth. When either is set the client
	// sends a first-message auth frame before anything else.
	APIKey string
	Token  string

	Header http.Header
	Logger *slog.Logger
}

// Client is the participant side of a signaling connection. All writes are
// serialized; reads happen on an internal goroutine that dispatches to the
// ClientEvents callbacks.
type Client struct {
	log    *slog.Logger
	conn   *websocket.Conn
	events ClientEvents

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// DialClient connects, authenticates if credentials were supplied, and starts
// the read loop.
func DialClient(ctx context.Context, opts ClientOptions, events ClientEvents) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", opts.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		log:    logger,
		conn:   conn,
		events: events,
		done:   make(chan struct{}),
	}

	if opts.APIKey != "" || opts.Token != "" {
		if err := c.send(Message{Type: TypeAuth, APIKey: opts.APIKey, Token: opts.Token}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate: %w", err)
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) JoinQueue() error   { return c.send(Message{Type: TypeJoinQueue}) }
func (c *Client) LeaveQueue() error  { return c.send(Message{Type: TypeLeaveQueue}) }
func (c *Client) SkipPartner() error { return c.send(Message{Type: TypeSkipPartner}) }
func (c *Client) EndCall() error     { return c.send(Message{Type: TypeEndCall}) }

func (c *Client) SendOffer(target string, sdp SDP) error {
	return c.send(Message{Type: TypeOffer, Offer: &sdp, Target: target})
}

func (c *Client) SendAnswer(target string, sdp SDP) error {
	return c.send(Message{Type: TypeAnswer, Answer: &sdp, Target: target})
}

func (c *Client) SendIceCandidate(target string, cand Candidate) error {
	return c.send(Message{Type: TypeIceCandidate, Candidate: &cand, Target: target})
}

// Close tears the connection down. Safe to call more than once and
// concurrently with the read loop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		writeClose(c.conn, websocket.CloseNormalClosure, "")
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

// Done is closed when the connection is finished, by either side.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) send(msg Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	var loopErr error
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			loopErr = err
			break
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			c.log.Warn("dropping malformed server message", "err", err)
			continue
		}
		c.dispatch(msg)
	}

	c.Close()
	if c.events.OnClose != nil {
		c.events.OnClose(loopErr)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case TypeMatchFound:
		if c.events.OnMatchFound != nil {
			c.events.OnMatchFound(msg.PartnerID, *msg.IsInitiator)
		}
	case TypeOffer:
		if c.events.OnOffer != nil {
			c.events.OnOffer(msg.From, *msg.Offer)
		}
	case TypeAnswer:
		if c.events.OnAnswer != nil {
			c.events.OnAnswer(msg.From, *msg.Answer)
		}
	case TypeIceCandidate:
		if c.events.OnIceCandidate != nil {
			c.events.OnIceCandidate(msg.From, *msg.Candidate)
		}
	case TypePartnerDisconnected:
		if c.events.OnPartnerDisconnected != nil {
			c.events.OnPartnerDisconnected()
		}
	case TypePartnerSkipped:
		if c.events.OnPartnerSkipped != nil {
			c.events.OnPartnerSkipped()
		}
	case TypeCallEnded:
		if c.events.OnCallEnded != nil {
			c.events.OnCallEnded()
		}
	case TypeReturnToQueue:
		if c.events.OnReturnToQueue != nil {
			c.events.OnReturnToQueue()
		}
	case TypeOnlineCount:
		if c.events.OnOnlineCount != nil {
			c.events.OnOnlineCount(*msg.Count)
		}
	case TypeError:
		if c.events.OnError != nil {
			c.events.OnError(msg.Code, msg.Reason)
		}
	default:
		c.log.Warn("unexpected server message", "type", msg.Type)
	}
}
