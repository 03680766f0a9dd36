package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/metrics"
	"github.com/telecare/consult-relay/internal/ratelimit"
)

const wsWriteWait = 5 * time.Second

// Error codes sent in the error message variant before a policy close.
const (
	ErrCodeRoomFull      = "room_full"
	ErrCodeDuplicateID   = "duplicate_participant_id"
	ErrCodeBadMessage    = "bad_message"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeAlreadyJoined = "already_joined"
	ErrCodeChatTooLarge  = "chat_text_too_large"
)

// Server terminates the room signaling WebSocket. Each accepted connection
// gets a wsClient that reads, validates, and hands room traffic to the
// Registry; writes from the registry come back through Sender.
type Server struct {
	log      *slog.Logger
	cfg      config.Config
	metrics  *metrics.Metrics
	registry *Registry
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	conns   map[*wsClient]struct{}
	closing bool
}

func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, checkOrigin func(*http.Request) bool) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		metrics:  m,
		registry: NewRegistry(logger, m, cfg.RoomCapacity, cfg.RoomFullPolicy),
		now:      time.Now,
		conns:    make(map[*wsClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}
	return s
}

// Registry exposes the room registry for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /rooms/signal", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		srv:  s,
		conn: conn,
		log:  s.log,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxSignalingMessagesPerSecond),
			int64(s.cfg.MaxSignalingMessagesPerSecond),
		),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.pingLoop(s.cfg.SignalingWSPingInterval)
	c.readLoop()
}

// Close tears down every live connection. Each teardown runs the normal
// leave path, so peers still observe peer-left.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*wsClient, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.teardown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) removeConn(c *wsClient) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type wsClient struct {
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Send implements Sender. It is called from the registry under its lock and
// from the read loop; writeMu serializes frames.
func (c *wsClient) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsClient) readLoop() {
	defer c.teardown(websocket.CloseNormalClosure, "")

	idle := c.srv.cfg.SignalingWSIdleTimeout
	c.conn.SetReadLimit(c.srv.cfg.MaxSignalingMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.TextMessage {
			c.fail(websocket.CloseUnsupportedData, ErrCodeBadMessage, "expected text message")
			return
		}

		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(websocket.ClosePolicyViolation, ErrCodeRateLimited, "message rate limit exceeded")
			return
		}

		data, err := io.ReadAll(msgReader)
		if err != nil {
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.BadMessage)
			c.fail(websocket.CloseUnsupportedData, ErrCodeBadMessage, err.Error())
			return
		}

		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one validated client message. It returns false when the
// connection should stop reading.
func (c *wsClient) handle(msg Message) bool {
	switch msg.Type {
	case MessageTypeJoin:
		return c.handleJoin(msg)

	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		identity, _, ok := c.srv.registry.Identity(c)
		if !ok {
			// Signaling before a completed join routes nowhere.
			c.srv.registry.DropNotRouted(msg.Type)
			return true
		}
		out := Message{
			Type:                msg.Type,
			SDP:                 msg.SDP,
			Candidate:           msg.Candidate,
			SenderParticipantID: identity.ParticipantID,
		}
		c.srv.registry.Relay(c, msg.TargetParticipantID, out)
		return true

	case MessageTypeMediaToggle:
		identity, _, ok := c.srv.registry.Identity(c)
		if !ok {
			c.srv.registry.DropNotRouted(msg.Type)
			return true
		}
		out := Message{
			Type:                MessageTypeMediaToggle,
			Kind:                msg.Kind,
			Enabled:             msg.Enabled,
			SenderParticipantID: identity.ParticipantID,
		}
		if c.srv.registry.Broadcast(c, out) {
			c.srv.metrics.Inc(metrics.MediaToggle)
		}
		return true

	case MessageTypeChatMessage:
		if len(msg.Text) > c.srv.cfg.MaxChatTextBytes {
			c.fail(websocket.ClosePolicyViolation, ErrCodeChatTooLarge, "chat text too large")
			return false
		}
		identity, _, ok := c.srv.registry.Identity(c)
		if !ok {
			c.srv.registry.DropNotRouted(msg.Type)
			return true
		}
		out := Message{
			Type:       MessageTypeChatMessage,
			ChatID:     uuid.NewString(),
			SenderID:   identity.ParticipantID,
			SenderName: identity.DisplayName,
			Text:       msg.Text,
			Timestamp:  c.srv.now().UnixMilli(),
		}
		if c.srv.registry.Broadcast(c, out) {
			c.srv.metrics.Inc(metrics.ChatMessage)
		}
		return true

	case MessageTypeLeave:
		return false

	default:
		c.srv.metrics.Inc(metrics.BadMessage)
		c.fail(websocket.CloseUnsupportedData, ErrCodeBadMessage, "unsupported message type")
		return false
	}
}

func (c *wsClient) handleJoin(msg Message) bool {
	identity := Identity{
		ParticipantID: msg.ParticipantID,
		DisplayName:   msg.DisplayName,
		Role:          msg.Role,
	}
	err := c.srv.registry.Join(c, msg.RoomID, identity)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrJoinQueued):
		// Held until a slot frees up; the participants-list snapshot arrives
		// on promotion.
		return true
	case errors.Is(err, ErrRoomFull):
		c.fail(websocket.ClosePolicyViolation, ErrCodeRoomFull, "room is full")
		return false
	case errors.Is(err, ErrDuplicateID):
		c.fail(websocket.ClosePolicyViolation, ErrCodeDuplicateID, "participant id already in room")
		return false
	case errors.Is(err, ErrAlreadyJoined):
		c.fail(websocket.ClosePolicyViolation, ErrCodeAlreadyJoined, "already joined a room")
		return false
	default:
		c.fail(websocket.CloseInternalServerErr, ErrCodeBadMessage, "join failed")
		return false
	}
}

// fail sends a best-effort error message and close frame. The actual
// teardown happens when the read loop returns.
func (c *wsClient) fail(closeCode int, errCode, reason string) {
	_ = c.Send(Message{
		Type:   MessageTypeError,
		Code:   errCode,
		Reason: reason,
	})
	c.writeMu.Lock()
	writeClose(c.conn, closeCode, reason)
	c.writeMu.Unlock()
}

// teardown runs exactly once per connection: remove from the room (peers get
// peer-left), close the socket, and drop the server's reference.
func (c *wsClient) teardown(closeCode int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.srv.registry.Leave(c)
		c.writeMu.Lock()
		writeClose(c.conn, closeCode, reason)
		c.writeMu.Unlock()
		_ = c.conn.Close()
		c.srv.removeConn(c)
	})
}

func (c *wsClient) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
