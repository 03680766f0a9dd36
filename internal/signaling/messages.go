package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeJoin             MessageType = "join"
	MessageTypeParticipantsList MessageType = "participants-list"
	MessageTypePeerJoined       MessageType = "peer-joined"
	MessageTypeOffer            MessageType = "offer"
	MessageTypeAnswer           MessageType = "answer"
	MessageTypeCandidate        MessageType = "candidate"
	MessageTypeMediaToggle      MessageType = "media-toggle"
	MessageTypeChatMessage      MessageType = "chat-message"
	MessageTypeLeave            MessageType = "leave"
	MessageTypePeerLeft         MessageType = "peer-left"
	MessageTypeError            MessageType = "error"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// maxIdentifierLen bounds roomId, participantId, and displayName so a hostile
// client can't inflate participants-list fanout.
const maxIdentifierLen = 128

// Identity is a room participant as seen by its peers.
type Identity struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Role          Role   `json:"role"`
}

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

// Message is the single wire envelope for every room event, in both
// directions. Which fields are allowed depends on the type and the direction;
// ValidateClient and ValidateServer hold the per-variant rules.
type Message struct {
	Type MessageType `json:"type"`

	// join / peer-joined / peer-left identity fields.
	RoomID        string `json:"roomId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Role          Role   `json:"role,omitempty"`

	// participants-list payload: everyone already in the room.
	Participants []Identity `json:"participants,omitempty"`

	// Addressing. Clients set targetParticipantId on directed messages; the
	// relay replaces it with senderParticipantId before forwarding.
	TargetParticipantID string `json:"targetParticipantId,omitempty"`
	SenderParticipantID string `json:"senderParticipantId,omitempty"`

	// Negotiation payloads, opaque to the relay.
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// media-toggle payload.
	Kind    MediaKind `json:"kind,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`

	// chat-message payload. Clients send only text; the relay stamps the
	// rest before fanout.
	Text       string `json:"text,omitempty"`
	ChatID     string `json:"id,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`

	// error payload.
	Code   string `json:"code,omitempty"`
	Reason string `json:"message,omitempty"`
}

// ParseClientMessage decodes and validates a message arriving from a client
// connection. Unknown fields, trailing data, unknown types, and
// server-reserved fields are all rejected.
func ParseClientMessage(data []byte) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.ValidateClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ParseServerMessage decodes and validates a message arriving from the relay.
// Client-side transports use it so a misbehaving relay fails loudly instead
// of silently driving the call state machine with garbage.
func ParseServerMessage(data []byte) (Message, error) {
	msg, err := decodeStrict(data)
	if err != nil {
		return Message{}, err
	}
	if err := msg.ValidateServer(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func decodeStrict(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// ValidateClient checks a client-to-relay message.
func (m Message) ValidateClient() error {
	switch m.Type {
	case MessageTypeJoin:
		if err := validIdentifier("roomId", m.RoomID); err != nil {
			return err
		}
		if err := validIdentifier("participantId", m.ParticipantID); err != nil {
			return err
		}
		if err := validIdentifier("displayName", m.DisplayName); err != nil {
			return err
		}
		if m.Role != RoleDoctor && m.Role != RolePatient {
			return fmt.Errorf("join message has unsupported role %q", m.Role)
		}
		if m.SDP != nil || m.Candidate != nil || m.TargetParticipantID != "" || len(m.Participants) != 0 {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeOffer:
		if err := m.validateClientSDP("offer"); err != nil {
			return err
		}
	case MessageTypeAnswer:
		if err := m.validateClientSDP("answer"); err != nil {
			return err
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if err := validIdentifier("targetParticipantId", m.TargetParticipantID); err != nil {
			return err
		}
		if m.SDP != nil || m.SenderParticipantID != "" || m.RoomID != "" {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case MessageTypeMediaToggle:
		if m.Kind != MediaKindAudio && m.Kind != MediaKindVideo {
			return fmt.Errorf("media-toggle message has unsupported kind %q", m.Kind)
		}
		if m.Enabled == nil {
			return fmt.Errorf("media-toggle message missing enabled")
		}
		if m.SDP != nil || m.Candidate != nil || m.SenderParticipantID != "" {
			return fmt.Errorf("media-toggle message has unexpected fields")
		}
	case MessageTypeChatMessage:
		if m.Text == "" {
			return fmt.Errorf("chat message missing text")
		}
		if !utf8.ValidString(m.Text) {
			return fmt.Errorf("chat message text is not valid UTF-8")
		}
		// SenderName may be supplied but the relay stamps the authoritative
		// one from the join identity.
		if m.ChatID != "" || m.SenderID != "" || m.Timestamp != 0 {
			return fmt.Errorf("chat message has server-stamped fields")
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("chat message has unexpected fields")
		}
	case MessageTypeLeave:
		if m.SDP != nil || m.Candidate != nil || m.RoomID != "" || m.ParticipantID != "" ||
			m.TargetParticipantID != "" || m.Text != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case MessageTypeParticipantsList, MessageTypePeerJoined, MessageTypePeerLeft, MessageTypeError:
		return fmt.Errorf("message type %q is relay-to-client only", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m Message) validateClientSDP(want string) error {
	if m.SDP == nil {
		return fmt.Errorf("%s message missing sdp", want)
	}
	if m.SDP.Type != want {
		return fmt.Errorf("%s message has sdp.type=%q", want, m.SDP.Type)
	}
	if err := validIdentifier("targetParticipantId", m.TargetParticipantID); err != nil {
		return err
	}
	if m.Candidate != nil || m.SenderParticipantID != "" || m.RoomID != "" {
		return fmt.Errorf("%s message has unexpected fields", want)
	}
	return nil
}

// ValidateServer checks a relay-to-client message.
func (m Message) ValidateServer() error {
	switch m.Type {
	case MessageTypeParticipantsList:
		for _, p := range m.Participants {
			if p.ParticipantID == "" {
				return fmt.Errorf("participants-list entry missing participantId")
			}
		}
	case MessageTypePeerJoined:
		if m.ParticipantID == "" {
			return fmt.Errorf("peer-joined message missing participantId")
		}
	case MessageTypePeerLeft:
		if m.ParticipantID == "" {
			return fmt.Errorf("peer-left message missing participantId")
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SenderParticipantID == "" {
			return fmt.Errorf("%s message missing senderParticipantId", m.Type)
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SenderParticipantID == "" {
			return fmt.Errorf("candidate message missing senderParticipantId")
		}
	case MessageTypeMediaToggle:
		if m.Kind != MediaKindAudio && m.Kind != MediaKindVideo {
			return fmt.Errorf("media-toggle message has unsupported kind %q", m.Kind)
		}
		if m.Enabled == nil {
			return fmt.Errorf("media-toggle message missing enabled")
		}
		if m.SenderParticipantID == "" {
			return fmt.Errorf("media-toggle message missing senderParticipantId")
		}
	case MessageTypeChatMessage:
		if m.Text == "" || m.ChatID == "" || m.SenderID == "" {
			return fmt.Errorf("chat message missing server-stamped fields")
		}
	case MessageTypeError:
		if m.Code == "" || m.Reason == "" {
			return fmt.Errorf("error message missing code/message")
		}
	case MessageTypeJoin, MessageTypeLeave:
		return fmt.Errorf("message type %q is client-to-relay only", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func validIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(value) > maxIdentifierLen {
		return fmt.Errorf("%s exceeds %d bytes", field, maxIdentifierLen)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%s is not valid UTF-8", field)
	}
	return nil
}
