package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		RoomCapacity:                  2,
		RoomFullPolicy:                config.RoomFullReject,
		SignalingWSIdleTimeout:        5 * time.Second,
		SignalingWSPingInterval:       1 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 100,
		MaxChatTextBytes:              256,
	}
}

func startSignalingServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, log, metrics.New(), func(*http.Request) bool { return true })

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/signal"
	return srv, wsURL
}

func dialClient(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendMsg(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse server message %s: %v", data, err)
	}
	return msg
}

func joinRoom(t *testing.T, conn *websocket.Conn, roomID, participantID, name, role string) Message {
	t.Helper()
	sendMsg(t, conn, `{"type":"join","roomId":"`+roomID+`","participantId":"`+participantID+`","displayName":"`+name+`","role":"`+role+`"}`)
	msg := readMsg(t, conn)
	if msg.Type != MessageTypeParticipantsList {
		t.Fatalf("first message after join = %+v, want participants-list", msg)
	}
	return msg
}

func TestConsultRoomFlow(t *testing.T) {
	_, wsURL := startSignalingServer(t, testConfig())

	doctor := dialClient(t, wsURL)
	patient := dialClient(t, wsURL)

	list := joinRoom(t, doctor, "room42", "doc-1", "Dr. Ada", "doctor")
	if len(list.Participants) != 0 {
		t.Fatalf("doctor snapshot = %v, want empty", list.Participants)
	}

	list = joinRoom(t, patient, "room42", "pat-1", "Sam", "patient")
	if len(list.Participants) != 1 || list.Participants[0].ParticipantID != "doc-1" {
		t.Fatalf("patient snapshot = %v, want [doc-1]", list.Participants)
	}

	joined := readMsg(t, doctor)
	if joined.Type != MessageTypePeerJoined || joined.ParticipantID != "pat-1" {
		t.Fatalf("doctor peer-joined = %+v", joined)
	}
	if joined.Role != RolePatient || joined.DisplayName != "Sam" {
		t.Fatalf("peer-joined identity = %+v", joined)
	}

	// Offer is forwarded to the target and re-stamped with the sender id.
	sendMsg(t, doctor, `{"type":"offer","targetParticipantId":"pat-1","sdp":{"type":"offer","sdp":"v=0..."}}`)
	offer := readMsg(t, patient)
	if offer.Type != MessageTypeOffer || offer.SenderParticipantID != "doc-1" {
		t.Fatalf("patient offer = %+v", offer)
	}
	if offer.TargetParticipantID != "" {
		t.Fatalf("forwarded offer kept targetParticipantId: %+v", offer)
	}

	sendMsg(t, patient, `{"type":"answer","targetParticipantId":"doc-1","sdp":{"type":"answer","sdp":"v=0..."}}`)
	answer := readMsg(t, doctor)
	if answer.Type != MessageTypeAnswer || answer.SenderParticipantID != "pat-1" {
		t.Fatalf("doctor answer = %+v", answer)
	}

	sendMsg(t, doctor, `{"type":"candidate","targetParticipantId":"pat-1","candidate":{"candidate":"candidate:1"}}`)
	cand := readMsg(t, patient)
	if cand.Type != MessageTypeCandidate || cand.Candidate == nil || cand.SenderParticipantID != "doc-1" {
		t.Fatalf("patient candidate = %+v", cand)
	}

	// Chat is stamped server-side and not echoed to the sender.
	sendMsg(t, doctor, `{"type":"chat-message","text":"hello"}`)
	chat := readMsg(t, patient)
	if chat.Type != MessageTypeChatMessage || chat.Text != "hello" {
		t.Fatalf("patient chat = %+v", chat)
	}
	if chat.ChatID == "" || chat.SenderID != "doc-1" || chat.SenderName != "Dr. Ada" || chat.Timestamp == 0 {
		t.Fatalf("chat not stamped: %+v", chat)
	}

	// Media toggle reaches the peer but not the sender.
	sendMsg(t, patient, `{"type":"media-toggle","kind":"video","enabled":false}`)
	toggle := readMsg(t, doctor)
	if toggle.Type != MessageTypeMediaToggle || toggle.SenderParticipantID != "pat-1" {
		t.Fatalf("doctor media-toggle = %+v", toggle)
	}
	if toggle.Kind != MediaKindVideo || toggle.Enabled == nil || *toggle.Enabled {
		t.Fatalf("media-toggle payload = %+v", toggle)
	}

	// Leave converges on peer-left for the remaining participant.
	sendMsg(t, patient, `{"type":"leave"}`)
	left := readMsg(t, doctor)
	if left.Type != MessageTypePeerLeft || left.ParticipantID != "pat-1" {
		t.Fatalf("doctor peer-left = %+v", left)
	}
}

func TestThirdJoinGetsRoomFullError(t *testing.T) {
	_, wsURL := startSignalingServer(t, testConfig())

	a := dialClient(t, wsURL)
	b := dialClient(t, wsURL)
	joinRoom(t, a, "room42", "p1", "A", "doctor")
	joinRoom(t, b, "room42", "p2", "B", "patient")
	readMsg(t, a) // peer-joined p2

	c := dialClient(t, wsURL)
	sendMsg(t, c, `{"type":"join","roomId":"room42","participantId":"p3","displayName":"C","role":"patient"}`)

	errMsg := readMsg(t, c)
	if errMsg.Type != MessageTypeError || errMsg.Code != ErrCodeRoomFull {
		t.Fatalf("third joiner got %+v, want room_full error", errMsg)
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("connection stayed open after room_full")
	}
}

func TestDisconnectEmitsPeerLeft(t *testing.T) {
	_, wsURL := startSignalingServer(t, testConfig())

	a := dialClient(t, wsURL)
	b := dialClient(t, wsURL)
	joinRoom(t, a, "room42", "p1", "A", "doctor")
	joinRoom(t, b, "room42", "p2", "B", "patient")
	readMsg(t, a) // peer-joined p2

	// Abrupt close, no leave message.
	b.Close()

	left := readMsg(t, a)
	if left.Type != MessageTypePeerLeft || left.ParticipantID != "p2" {
		t.Fatalf("a got %+v, want peer-left p2", left)
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	_, wsURL := startSignalingServer(t, testConfig())

	c := dialClient(t, wsURL)
	sendMsg(t, c, `{"type":"join","roomId":"room42","participantId":"p1","displayName":"A","role":"doctor","bogus":true}`)

	errMsg := readMsg(t, c)
	if errMsg.Type != MessageTypeError || errMsg.Code != ErrCodeBadMessage {
		t.Fatalf("got %+v, want bad_message error", errMsg)
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("connection stayed open after malformed message")
	}
}

func TestSignalingBeforeJoinIsDropped(t *testing.T) {
	srv, wsURL := startSignalingServer(t, testConfig())

	c := dialClient(t, wsURL)
	sendMsg(t, c, `{"type":"offer","targetParticipantId":"p2","sdp":{"type":"offer","sdp":"x"}}`)

	// The connection stays usable; a join afterwards still works.
	joinRoom(t, c, "room42", "p1", "A", "doctor")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Registry().RoomCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room was not created after join")
}

func TestOversizedChatRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChatTextBytes = 8
	_, wsURL := startSignalingServer(t, cfg)

	a := dialClient(t, wsURL)
	b := dialClient(t, wsURL)
	joinRoom(t, a, "room42", "p1", "A", "doctor")
	joinRoom(t, b, "room42", "p2", "B", "patient")
	readMsg(t, a) // peer-joined p2

	sendMsg(t, a, `{"type":"chat-message","text":"this text is longer than eight bytes"}`)
	errMsg := readMsg(t, a)
	if errMsg.Type != MessageTypeError || errMsg.Code != ErrCodeChatTooLarge {
		t.Fatalf("got %+v, want chat_text_too_large error", errMsg)
	}
}

func TestQueuePolicyOverWebSocket(t *testing.T) {
	cfg := testConfig()
	cfg.RoomFullPolicy = config.RoomFullQueue
	_, wsURL := startSignalingServer(t, cfg)

	a := dialClient(t, wsURL)
	b := dialClient(t, wsURL)
	c := dialClient(t, wsURL)
	joinRoom(t, a, "room42", "p1", "A", "doctor")
	joinRoom(t, b, "room42", "p2", "B", "patient")
	readMsg(t, a) // peer-joined p2

	// Third joiner is held, not rejected.
	sendMsg(t, c, `{"type":"join","roomId":"room42","participantId":"p3","displayName":"C","role":"patient"}`)

	sendMsg(t, a, `{"type":"leave"}`)
	left := readMsg(t, b)
	if left.Type != MessageTypePeerLeft || left.ParticipantID != "p1" {
		t.Fatalf("b got %+v, want peer-left p1", left)
	}

	list := readMsg(t, c)
	if list.Type != MessageTypeParticipantsList {
		t.Fatalf("promoted joiner got %+v, want participants-list", list)
	}
	if len(list.Participants) != 1 || list.Participants[0].ParticipantID != "p2" {
		t.Fatalf("promoted snapshot = %v, want [p2]", list.Participants)
	}
}

func TestMessageRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSignalingMessagesPerSecond = 5
	_, wsURL := startSignalingServer(t, cfg)

	c := dialClient(t, wsURL)
	joinRoom(t, c, "room42", "p1", "A", "doctor")

	for i := 0; i < 50; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat-message","text":"x"}`)); err != nil {
			return
		}
	}

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			// Closed by the server after the limit trip.
			return
		}
		msg, perr := ParseServerMessage(data)
		if perr == nil && msg.Type == MessageTypeError && msg.Code == ErrCodeRateLimited {
			return
		}
	}
}
