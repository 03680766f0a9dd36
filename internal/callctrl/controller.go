package callctrl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telecare/consult-relay/internal/signaling"
)

type State string

const (
	StateInitializing State = "initializing"
	StateWaiting      State = "waiting"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

type Config struct {
	RoomID        string
	ParticipantID string
	DisplayName   string
	Role          signaling.Role

	Logger *slog.Logger

	// OnStateChange, when set, is invoked from the controller loop on every
	// transition. It must not block.
	OnStateChange func(State)

	// OnChat, when set, is invoked from the controller loop for every remote
	// chat message after it lands in the transcript. It must not block.
	OnChat func(ChatEntry)
}

func (c Config) validate() error {
	if c.RoomID == "" {
		return fmt.Errorf("room id must not be empty")
	}
	if c.ParticipantID == "" {
		return fmt.Errorf("participant id must not be empty")
	}
	if c.DisplayName == "" {
		return fmt.Errorf("display name must not be empty")
	}
	if c.Role != signaling.RoleDoctor && c.Role != signaling.RolePatient {
		return fmt.Errorf("unsupported role %q", c.Role)
	}
	return nil
}

type sessionEventKind int

const (
	evLocalCandidate sessionEventKind = iota
	evConnected
	evFailed
)

type sessionEvent struct {
	gen       uint64
	kind      sessionEventKind
	candidate signaling.Candidate
	err       error
}

// Controller runs the call state machine. All message and session events are
// consumed by one goroutine (Run), each to completion, so state transitions
// never interleave. Externally callable methods (SendChat, SetMediaEnabled,
// the read-only accessors) touch only their own locks.
type Controller struct {
	cfg       Config
	log       *slog.Logger
	transport SignalingTransport
	media     MediaSource
	sessions  SessionFactory

	events chan sessionEvent

	mu         sync.Mutex
	state      State
	peer       *signaling.Identity
	sess       Session
	generation uint64
	tracks     MediaTracks
	peerMedia  map[signaling.MediaKind]bool
	callErr    error

	durationSecs atomic.Int64
	transcript   Transcript

	teardownOnce sync.Once
}

func NewController(cfg Config, transport SignalingTransport, media MediaSource, sessions SessionFactory) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		log:       logger.With("room_id", cfg.RoomID, "participant_id", cfg.ParticipantID),
		transport: transport,
		media:     media,
		sessions:  sessions,
		events:    make(chan sessionEvent, 64),
		state:     StateInitializing,
		peerMedia: make(map[signaling.MediaKind]bool),
	}, nil
}

// Run drives the call until the context is canceled or a fatal error occurs.
// Teardown always runs on the way out, in a fixed order: stop media, close
// the session, send leave, close the transport.
func (c *Controller) Run(ctx context.Context) error {
	defer c.teardown()

	tracks, err := c.media.Acquire(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrMediaAccessDenied, err))
	}
	c.mu.Lock()
	c.tracks = tracks
	c.mu.Unlock()

	join := signaling.Message{
		Type:          signaling.MessageTypeJoin,
		RoomID:        c.cfg.RoomID,
		ParticipantID: c.cfg.ParticipantID,
		DisplayName:   c.cfg.DisplayName,
		Role:          c.cfg.Role,
	}
	if err := c.transport.Send(join); err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrSignalingConnectFailed, err))
	}
	c.setState(StateWaiting)
	c.log.Info("joined room, waiting for peer")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-c.transport.Receive():
			if !ok {
				return c.fail(fmt.Errorf("%w: transport closed", ErrSignalingConnectFailed))
			}
			if err := c.handleMessage(msg); err != nil {
				return c.fail(err)
			}

		case ev := <-c.events:
			if err := c.handleSessionEvent(ev); err != nil {
				return c.fail(err)
			}

		case <-ticker.C:
			if c.State() == StateConnected {
				c.durationSecs.Add(1)
			}
		}
	}
}

func (c *Controller) handleMessage(msg signaling.Message) error {
	switch msg.Type {
	case signaling.MessageTypeParticipantsList:
		if len(msg.Participants) == 0 {
			return nil
		}
		// A peer was already in the room. It offers once it is notified of
		// our join; record it and wait for that offer.
		peer := msg.Participants[0]
		c.mu.Lock()
		c.peer = &peer
		c.mu.Unlock()
		c.log.Info("peer already present, expecting offer", "peer_id", peer.ParticipantID)
		return nil

	case signaling.MessageTypePeerJoined:
		// The resident side offers to the newcomer. A repeat peer-joined
		// replaces any session in flight: latest wins.
		return c.startNegotiation(signaling.Identity{
			ParticipantID: msg.ParticipantID,
			DisplayName:   msg.DisplayName,
			Role:          msg.Role,
		})

	case signaling.MessageTypeOffer:
		c.mu.Lock()
		peer := c.peer
		c.mu.Unlock()
		if peer == nil || msg.SenderParticipantID != peer.ParticipantID {
			c.log.Debug("ignoring offer", "sender", msg.SenderParticipantID)
			return nil
		}
		// An offer opens a fresh session; a repeat offer from the same peer
		// replaces the one in flight.
		sess, err := c.replaceSession(*peer)
		if err != nil {
			return err
		}
		c.setState(StateConnecting)
		answer, err := sess.AcceptOffer(*msg.SDP)
		if err != nil {
			c.logNegotiation("accept offer", err)
			return nil
		}
		if err := c.transport.Send(signaling.Message{
			Type:                signaling.MessageTypeAnswer,
			TargetParticipantID: peer.ParticipantID,
			SDP:                 &answer,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrSignalingConnectFailed, err)
		}
		return nil

	case signaling.MessageTypeAnswer:
		sess, peer := c.currentSession()
		if sess == nil || peer == nil || msg.SenderParticipantID != peer.ParticipantID {
			c.log.Debug("ignoring answer", "sender", msg.SenderParticipantID)
			return nil
		}
		if err := sess.AcceptAnswer(*msg.SDP); err != nil {
			c.logNegotiation("accept answer", err)
		}
		return nil

	case signaling.MessageTypeCandidate:
		sess, peer := c.currentSession()
		if sess == nil || peer == nil || msg.SenderParticipantID != peer.ParticipantID {
			c.log.Debug("ignoring candidate", "sender", msg.SenderParticipantID)
			return nil
		}
		if err := sess.AddRemoteCandidate(*msg.Candidate); err != nil {
			c.logNegotiation("add candidate", err)
		}
		return nil

	case signaling.MessageTypeMediaToggle:
		c.mu.Lock()
		c.peerMedia[msg.Kind] = *msg.Enabled
		c.mu.Unlock()
		c.log.Info("peer media toggle", "kind", string(msg.Kind), "enabled", *msg.Enabled)
		return nil

	case signaling.MessageTypeChatMessage:
		c.transcript.appendRemote(msg)
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(ChatEntry{
				ID:         msg.ChatID,
				SenderID:   msg.SenderID,
				SenderName: msg.SenderName,
				Text:       msg.Text,
				At:         time.UnixMilli(msg.Timestamp),
			})
		}
		return nil

	case signaling.MessageTypePeerLeft:
		c.mu.Lock()
		if c.peer == nil || c.peer.ParticipantID != msg.ParticipantID {
			c.mu.Unlock()
			return nil
		}
		sess := c.sess
		c.sess = nil
		c.peer = nil
		c.generation++
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		c.setState(StateWaiting)
		c.log.Info("peer left, waiting", "participant_id", msg.ParticipantID)
		return nil

	case signaling.MessageTypeError:
		return fmt.Errorf("%w: relay rejected: %s: %s", ErrSignalingConnectFailed, msg.Code, msg.Reason)

	default:
		c.log.Debug("ignoring message", "type", string(msg.Type))
		return nil
	}
}

// replaceSession closes any session in flight and installs a fresh one for
// peer. Events from the replaced session carry a stale generation and are
// dropped when they surface.
func (c *Controller) replaceSession(peer signaling.Identity) (Session, error) {
	c.mu.Lock()
	old := c.sess
	c.sess = nil
	c.peer = &peer
	c.generation++
	gen := c.generation
	tracks := c.tracks
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	events := SessionEvents{
		OnLocalCandidate: func(cand signaling.Candidate) {
			c.pushEvent(sessionEvent{gen: gen, kind: evLocalCandidate, candidate: cand})
		},
		OnConnected: func() {
			c.pushEvent(sessionEvent{gen: gen, kind: evConnected})
		},
		OnFailed: func(err error) {
			c.pushEvent(sessionEvent{gen: gen, kind: evFailed, err: err})
		},
	}

	sess, err := c.sessions.NewSession(events, tracks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPeerConnectionFailed, err)
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Controller) startNegotiation(peer signaling.Identity) error {
	sess, err := c.replaceSession(peer)
	if err != nil {
		return err
	}
	c.setState(StateConnecting)
	c.log.Info("negotiating", "peer_id", peer.ParticipantID)

	offer, err := sess.StartOffer()
	if err != nil {
		c.logNegotiation("create offer", err)
		return nil
	}
	if err := c.transport.Send(signaling.Message{
		Type:                signaling.MessageTypeOffer,
		TargetParticipantID: peer.ParticipantID,
		SDP:                 &offer,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrSignalingConnectFailed, err)
	}
	return nil
}

func (c *Controller) handleSessionEvent(ev sessionEvent) error {
	c.mu.Lock()
	stale := ev.gen != c.generation
	peer := c.peer
	c.mu.Unlock()
	if stale || peer == nil {
		return nil
	}

	switch ev.kind {
	case evLocalCandidate:
		if err := c.transport.Send(signaling.Message{
			Type:                signaling.MessageTypeCandidate,
			TargetParticipantID: peer.ParticipantID,
			Candidate:           &ev.candidate,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrSignalingConnectFailed, err)
		}
		return nil

	case evConnected:
		c.setState(StateConnected)
		c.log.Info("call connected", "peer_id", peer.ParticipantID)
		return nil

	case evFailed:
		return ev.err

	default:
		return nil
	}
}

func (c *Controller) pushEvent(ev sessionEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping session event, queue full", "kind", int(ev.kind))
	}
}

// SendChat relays text to the room and appends it to the local transcript
// immediately; the relay never echoes a sender's own chat back.
func (c *Controller) SendChat(text string) error {
	if text == "" {
		return fmt.Errorf("chat text must not be empty")
	}
	if err := c.transport.Send(signaling.Message{
		Type: signaling.MessageTypeChatMessage,
		Text: text,
	}); err != nil {
		return err
	}
	c.transcript.appendLocal(c.cfg.ParticipantID, text, time.Now())
	return nil
}

// SetMediaEnabled mutes or unmutes a local media kind and announces the
// change to the room.
func (c *Controller) SetMediaEnabled(kind signaling.MediaKind, enabled bool) error {
	c.mu.Lock()
	tracks := c.tracks
	c.mu.Unlock()
	if tracks != nil {
		tracks.SetEnabled(kind, enabled)
	}
	return c.transport.Send(signaling.Message{
		Type:    signaling.MessageTypeMediaToggle,
		Kind:    kind,
		Enabled: &enabled,
	})
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports the fatal error after the controller reaches StateFailed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callErr
}

// Peer reports the identity currently being negotiated with or talked to.
func (c *Controller) Peer() (signaling.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return signaling.Identity{}, false
	}
	return *c.peer, true
}

// PeerMediaEnabled reports the peer's last announced mute state for a kind.
// Unannounced kinds default to enabled.
func (c *Controller) PeerMediaEnabled(kind signaling.MediaKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	enabled, ok := c.peerMedia[kind]
	if !ok {
		return true
	}
	return enabled
}

// CallDuration is the accumulated connected time, counted in whole seconds.
// Waiting and reconnect gaps do not count.
func (c *Controller) CallDuration() time.Duration {
	return time.Duration(c.durationSecs.Load()) * time.Second
}

func (c *Controller) Transcript() *Transcript {
	return &c.transcript
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(next)
	}
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	if c.callErr == nil {
		c.callErr = err
	}
	c.mu.Unlock()
	c.setState(StateFailed)
	c.log.Error("call failed", "err", err)
	return err
}

func (c *Controller) currentSession() (Session, *signaling.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess, c.peer
}

func (c *Controller) logNegotiation(op string, err error) {
	negErr := &NegotiationError{Op: op, Err: err}
	c.log.Warn("negotiation error", "err", negErr)
}

func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		tracks := c.tracks
		sess := c.sess
		c.tracks = nil
		c.sess = nil
		c.mu.Unlock()

		if tracks != nil {
			tracks.Stop()
		}
		if sess != nil {
			_ = sess.Close()
		}
		_ = c.transport.Send(signaling.Message{Type: signaling.MessageTypeLeave})
		_ = c.transport.Close()
		c.log.Info("call torn down", "duration_secs", c.durationSecs.Load())
	})
}
