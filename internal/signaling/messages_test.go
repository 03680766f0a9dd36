package signaling

import (
	"strings"
	"testing"
)

func TestParseClientMessageJoin(t *testing.T) {
	data := []byte(`{"type":"join","roomId":"room42","participantId":"p1","displayName":"Dr. Ada","role":"doctor"}`)
	msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != MessageTypeJoin || msg.RoomID != "room42" || msg.ParticipantID != "p1" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Role != RoleDoctor {
		t.Fatalf("role = %q", msg.Role)
	}
}

func TestParseClientMessageOffer(t *testing.T) {
	data := []byte(`{"type":"offer","targetParticipantId":"p2","sdp":{"type":"offer","sdp":"v=0..."}}`)
	msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.TargetParticipantID != "p2" || msg.SDP == nil || msg.SDP.Type != "offer" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "unknown field", data: `{"type":"join","roomId":"r","participantId":"p","displayName":"n","role":"doctor","extra":1}`},
		{name: "trailing data", data: `{"type":"leave"}{"type":"leave"}`},
		{name: "unknown type", data: `{"type":"subscribe"}`},
		{name: "server-only type", data: `{"type":"peer-joined","participantId":"p"}`},
		{name: "join bad role", data: `{"type":"join","roomId":"r","participantId":"p","displayName":"n","role":"admin"}`},
		{name: "join missing room", data: `{"type":"join","participantId":"p","displayName":"n","role":"patient"}`},
		{name: "offer missing sdp", data: `{"type":"offer","targetParticipantId":"p2"}`},
		{name: "offer wrong sdp type", data: `{"type":"offer","targetParticipantId":"p2","sdp":{"type":"answer","sdp":"x"}}`},
		{name: "answer missing target", data: `{"type":"answer","sdp":{"type":"answer","sdp":"x"}}`},
		{name: "candidate missing candidate", data: `{"type":"candidate","targetParticipantId":"p2"}`},
		{name: "candidate with sender stamp", data: `{"type":"candidate","targetParticipantId":"p2","senderParticipantId":"p1","candidate":{"candidate":"c"}}`},
		{name: "media-toggle bad kind", data: `{"type":"media-toggle","kind":"screen","enabled":true}`},
		{name: "media-toggle missing enabled", data: `{"type":"media-toggle","kind":"audio"}`},
		{name: "chat missing text", data: `{"type":"chat-message"}`},
		{name: "chat with server stamp", data: `{"type":"chat-message","text":"hi","id":"x","senderId":"p1"}`},
		{name: "leave with payload", data: `{"type":"leave","roomId":"r"}`},
		{name: "not json", data: `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.data)); err == nil {
				t.Fatalf("parse accepted %s", tt.data)
			}
		})
	}
}

func TestParseClientMessageIdentifierLimits(t *testing.T) {
	long := strings.Repeat("x", maxIdentifierLen+1)
	data := []byte(`{"type":"join","roomId":"` + long + `","participantId":"p","displayName":"n","role":"doctor"}`)
	if _, err := ParseClientMessage(data); err == nil {
		t.Fatalf("parse accepted oversized roomId")
	}
}

func TestParseServerMessage(t *testing.T) {
	valid := []string{
		`{"type":"participants-list","roomId":"r","participants":[{"participantId":"p1","displayName":"n","role":"doctor"}]}`,
		`{"type":"participants-list","roomId":"r"}`,
		`{"type":"peer-joined","participantId":"p2","displayName":"n","role":"patient"}`,
		`{"type":"peer-left","participantId":"p2"}`,
		`{"type":"offer","senderParticipantId":"p1","sdp":{"type":"offer","sdp":"x"}}`,
		`{"type":"candidate","senderParticipantId":"p1","candidate":{"candidate":"c"}}`,
		`{"type":"media-toggle","senderParticipantId":"p1","kind":"video","enabled":false}`,
		`{"type":"chat-message","id":"m1","senderId":"p1","senderName":"n","text":"hi","timestamp":1700000000000}`,
		`{"type":"error","code":"room_full","message":"room is full"}`,
	}
	for _, data := range valid {
		if _, err := ParseServerMessage([]byte(data)); err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
	}

	invalid := []string{
		`{"type":"join","roomId":"r","participantId":"p","displayName":"n","role":"doctor"}`,
		`{"type":"offer","sdp":{"type":"offer","sdp":"x"}}`,
		`{"type":"peer-left"}`,
		`{"type":"error","code":"room_full"}`,
		`{"type":"chat-message","text":"hi"}`,
	}
	for _, data := range invalid {
		if _, err := ParseServerMessage([]byte(data)); err == nil {
			t.Fatalf("parse accepted %s", data)
		}
	}
}

func TestSDPRoundTrip(t *testing.T) {
	s := SDP{Type: "offer", SDP: "v=0..."}
	desc, err := s.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	back := SDPFromPion(desc)
	if back != s {
		t.Fatalf("round trip: got %+v, want %+v", back, s)
	}

	if _, err := (SDP{Type: "rollback"}).ToPion(); err == nil {
		t.Fatalf("ToPion accepted unsupported type")
	}
}
