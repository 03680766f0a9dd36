package callctrl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/signaling"
)

// Session is one negotiation attempt with one peer. A session is replaced
// wholesale when the peer changes; it is never reused.
type Session interface {
	// StartOffer creates and applies the local offer. Offerer side only.
	StartOffer() (signaling.SDP, error)
	// AcceptOffer applies the remote offer and returns the local answer.
	// Answerer side only.
	AcceptOffer(signaling.SDP) (signaling.SDP, error)
	// AcceptAnswer applies the remote answer on the offerer side.
	AcceptAnswer(signaling.SDP) error
	// AddRemoteCandidate applies a trickled remote candidate. Candidates
	// arriving before the remote description are buffered and applied in
	// arrival order once it lands.
	AddRemoteCandidate(signaling.Candidate) error
	Close() error
}

// SessionEvents are callbacks out of a session. They fire on pion goroutines;
// the controller pumps them back into its single-consumer loop.
type SessionEvents struct {
	OnLocalCandidate func(signaling.Candidate)
	OnConnected      func()
	OnFailed         func(error)
}

type SessionFactory interface {
	NewSession(events SessionEvents, tracks MediaTracks) (Session, error)
}

// WebRTCSessionFactory builds pion-backed sessions sharing one API and ICE
// server list.
type WebRTCSessionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
}

func NewWebRTCSessionFactory(api *webrtc.API, iceServers []config.ICEServer, logger *slog.Logger) *WebRTCSessionFactory {
	return &WebRTCSessionFactory{
		api:        api,
		iceServers: pionICEServers(iceServers),
		log:        logger,
	}
}

func (f *WebRTCSessionFactory) NewSession(events SessionEvents, tracks MediaTracks) (Session, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &webrtcSession{
		pc:  pc,
		log: f.log,
	}
	s.addCandidate = pc.AddICECandidate

	if tracks != nil {
		for _, track := range tracks.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(signaling.CandidateFromPion(cand.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if events.OnFailed != nil {
				events.OnFailed(ErrPeerConnectionFailed)
			}
		}
	})

	return s, nil
}

type webrtcSession struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []signaling.Candidate

	// addCandidate defaults to pc.AddICECandidate; tests substitute it to
	// observe buffered candidate flush order.
	addCandidate func(webrtc.ICECandidateInit) error
}

func (s *webrtcSession) StartOffer() (signaling.SDP, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signaling.SDPFromPion(offer), nil
}

func (s *webrtcSession) AcceptOffer(remote signaling.SDP) (signaling.SDP, error) {
	desc, err := remote.ToPion()
	if err != nil {
		return signaling.SDP{}, err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return signaling.SDP{}, fmt.Errorf("set remote description: %w", err)
	}
	if err := s.flushPending(); err != nil {
		return signaling.SDP{}, err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signaling.SDPFromPion(answer), nil
}

func (s *webrtcSession) AcceptAnswer(remote signaling.SDP) error {
	desc, err := remote.ToPion()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return s.flushPending()
}

func (s *webrtcSession) AddRemoteCandidate(cand signaling.Candidate) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.addCandidate(cand.ToPion())
}

// flushPending applies buffered candidates in arrival order. It runs at most
// once, right after the remote description is set; later candidates skip the
// buffer entirely.
func (s *webrtcSession) flushPending() error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		return nil
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.addCandidate(cand.ToPion()); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

func (s *webrtcSession) Close() error {
	return s.pc.Close()
}
