package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lloydreamr/co-sleep-app-sub000/internal/auth"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/config"
	"github.com/lloydreamr/co-sleep-app-sub000/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// WebSocketServer accepts signaling connections from participants and feeds
// their messages into the pairing hub.
//
// It enforces authentication (api_key/jwt) plus per-connection limits to
// avoid idle unauthenticated connections and large or high-rate signaling
// messages. Each connection gets a fresh ParticipantID and a buffered
// outbound queue drained by a dedicated write pump, so slow readers never
// block the hub.
type WebSocketServer struct {
	cfg      config.Config
	log      *slog.Logger
	hub      Hub
	verifier auth.Verifier
	clock    ratelimit.Clock
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, logger *slog.Logger, hub Hub, checkOrigin func(*http.Request) bool) (*WebSocketServer, error) {
	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &WebSocketServer{
		cfg:      cfg,
		log:      logger,
		hub:      hub,
		verifier: verifier,
		clock:    ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	authenticated := s.cfg.AuthMode == config.AuthModeNone
	if !authenticated {
		if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil {
			if err := s.verifier.Verify(cred); err != nil {
				writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
		} else if !errors.Is(err, auth.ErrMissingCredentials) {
			writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
			return
		}
	}

	if !authenticated {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
		if !s.awaitAuthMessage(conn) {
			return
		}
	}

	c := &client{
		id:   ParticipantID(uuid.NewString()),
		conn: conn,
		send: make(chan Message, s.cfg.SendBufferMessages),
		done: make(chan struct{}),
	}
	defer c.shutdown()

	go c.writePump(s.cfg.SignalingWSPingInterval)

	s.hub.Register(c)
	defer s.hub.Unregister(c.id)

	s.readLoop(c)
}

// awaitAuthMessage consumes exactly one frame, which must be a valid auth
// message. The read deadline has already been armed by the caller.
func (s *WebSocketServer) awaitAuthMessage(conn *websocket.Conn) bool {
	msgType, msgReader, err := conn.NextReader()
	if err != nil {
		if isTimeout(err) {
			writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
		}
		return false
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return false
	}

	raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
	if err != nil {
		if errors.Is(err, errMessageTooLarge) {
			writeClose(conn, websocket.CloseMessageTooBig, "message too large")
		}
		return false
	}

	msg, err := ParseMessage(raw)
	if err != nil || msg.Type != TypeAuth {
		writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	cred, err := auth.CredentialFromAuthMessage(s.cfg.AuthMode, msg.APIKey, msg.Token)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "missing credentials")
		return false
	}
	if err := s.verifier.Verify(cred); err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return false
	}

	_ = conn.SetReadDeadline(time.Time{})
	return true
}

func (s *WebSocketServer) readLoop(c *client) {
	conn := c.conn
	limiter := ratelimit.NewMessageLimiter(s.clock, s.cfg.MaxSignalingMessagesPerSecond)

	resetIdle := func() {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	}
	conn.SetPongHandler(func(string) error {
		resetIdle()
		return nil
	})
	resetIdle()

	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				writeClose(conn, websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		resetIdle()

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow() {
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		raw, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			writeClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			s.log.Debug("rejected signaling message", "participant_id", c.id, "err", err)
			writeClose(conn, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		switch msg.Type {
		case TypeJoinQueue:
			s.hub.Enqueue(c.id)
		case TypeLeaveQueue:
			s.hub.Dequeue(c.id)
		case TypeSkipPartner:
			s.hub.Skip(c.id)
		case TypeEndCall:
			s.hub.EndCall(c.id)
		case TypeOffer, TypeAnswer, TypeIceCandidate:
			// Undeliverable messages are dropped without notifying the
			// sender; the hub accounts for them.
			s.hub.Relay(c.id, msg)
		default:
			writeClose(conn, websocket.ClosePolicyViolation, "unexpected message type")
			return
		}
	}
}

// client is one accepted connection. Send never blocks: messages go into a
// bounded channel and a write pump owns all writes to the socket.
type client struct {
	id   ParticipantID
	conn *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) ID() ParticipantID { return c.id }

func (c *client) Send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			writeClose(c.conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
