package signaling

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/metrics"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *fakeSender) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeSender) lastOfType(t MessageType) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == t {
			return f.msgs[i], true
		}
	}
	return Message{}, false
}

func newTestRegistry(t *testing.T, policy config.RoomFullPolicy) (*Registry, *metrics.Metrics) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	return NewRegistry(log, m, 2, policy), m
}

func ident(id string) Identity {
	return Identity{ParticipantID: id, DisplayName: "name-" + id, Role: RolePatient}
}

func TestJoinSnapshotAndFanout(t *testing.T) {
	reg, _ := newTestRegistry(t, config.RoomFullReject)

	a, b := &fakeSender{}, &fakeSender{}

	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}

	list, ok := a.lastOfType(MessageTypeParticipantsList)
	if !ok {
		t.Fatalf("a did not receive participants-list")
	}
	if len(list.Participants) != 0 {
		t.Fatalf("first joiner snapshot = %v, want empty", list.Participants)
	}

	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}

	list, ok = b.lastOfType(MessageTypeParticipantsList)
	if !ok {
		t.Fatalf("b did not receive participants-list")
	}
	if len(list.Participants) != 1 || list.Participants[0].ParticipantID != "p1" {
		t.Fatalf("b snapshot = %v, want [p1]", list.Participants)
	}

	joined, ok := a.lastOfType(MessageTypePeerJoined)
	if !ok {
		t.Fatalf("a did not receive peer-joined")
	}
	if joined.ParticipantID != "p2" {
		t.Fatalf("peer-joined for %q, want p2", joined.ParticipantID)
	}

	// The joiner must not see its own peer-joined.
	if _, ok := b.lastOfType(MessageTypePeerJoined); ok {
		t.Fatalf("b received its own peer-joined")
	}
}

func TestThirdJoinRejected(t *testing.T) {
	reg, m := newTestRegistry(t, config.RoomFullReject)

	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}

	err := reg.Join(c, "room42", ident("p3"))
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join err = %v, want ErrRoomFull", err)
	}
	if m.Get(metrics.JoinRoomFull) != 1 {
		t.Fatalf("join_room_full = %d, want 1", m.Get(metrics.JoinRoomFull))
	}

	// Residents must be undisturbed.
	if _, ok := a.lastOfType(MessageTypePeerLeft); ok {
		t.Fatalf("a observed a peer-left after rejected join")
	}
	for _, msg := range a.received() {
		if msg.Type == MessageTypePeerJoined && msg.ParticipantID == "p3" {
			t.Fatalf("a observed peer-joined for rejected participant")
		}
	}
}

func TestQueuePolicyPromotesOnLeave(t *testing.T) {
	reg, m := newTestRegistry(t, config.RoomFullQueue)

	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}

	err := reg.Join(c, "room42", ident("p3"))
	if !errors.Is(err, ErrJoinQueued) {
		t.Fatalf("queued join err = %v, want ErrJoinQueued", err)
	}
	if m.Get(metrics.JoinQueued) != 1 {
		t.Fatalf("join_queued = %d, want 1", m.Get(metrics.JoinQueued))
	}
	if _, _, ok := reg.Identity(c); ok {
		t.Fatalf("queued joiner reports room membership")
	}

	reg.Leave(a)

	list, ok := c.lastOfType(MessageTypeParticipantsList)
	if !ok {
		t.Fatalf("promoted joiner did not receive participants-list")
	}
	if len(list.Participants) != 1 || list.Participants[0].ParticipantID != "p2" {
		t.Fatalf("promoted snapshot = %v, want [p2]", list.Participants)
	}
	joined, ok := b.lastOfType(MessageTypePeerJoined)
	if !ok || joined.ParticipantID != "p3" {
		t.Fatalf("b peer-joined = %+v, want p3", joined)
	}
}

func TestRelayRoutesWithinRoomOnly(t *testing.T) {
	reg, m := newTestRegistry(t, config.RoomFullReject)

	a, b, other := &fakeSender{}, &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if err := reg.Join(other, "room43", ident("p9")); err != nil {
		t.Fatalf("join other: %v", err)
	}

	out := Message{Type: MessageTypeCandidate, SenderParticipantID: "p1", Candidate: &Candidate{Candidate: "c"}}
	if !reg.Relay(a, "p2", out) {
		t.Fatalf("in-room relay failed")
	}
	got, ok := b.lastOfType(MessageTypeCandidate)
	if !ok || got.SenderParticipantID != "p1" {
		t.Fatalf("b candidate = %+v", got)
	}

	// Same participant id in a different room must not be reachable.
	if reg.Relay(a, "p9", out) {
		t.Fatalf("cross-room relay succeeded")
	}
	if reg.Relay(a, "missing", out) {
		t.Fatalf("relay to missing target succeeded")
	}
	if m.Get(metrics.RelayRoutingDrop) != 2 {
		t.Fatalf("relay_routing_drop = %d, want 2", m.Get(metrics.RelayRoutingDrop))
	}
	if len(other.received()) != 1 {
		// Only its own participants-list.
		t.Fatalf("other room observed relayed traffic: %v", other.received())
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg, _ := newTestRegistry(t, config.RoomFullReject)

	a, b := &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}

	enabled := false
	out := Message{Type: MessageTypeMediaToggle, SenderParticipantID: "p1", Kind: MediaKindVideo, Enabled: &enabled}
	if !reg.Broadcast(a, out) {
		t.Fatalf("broadcast failed")
	}
	if _, ok := b.lastOfType(MessageTypeMediaToggle); !ok {
		t.Fatalf("b did not receive media-toggle")
	}
	if _, ok := a.lastOfType(MessageTypeMediaToggle); ok {
		t.Fatalf("sender received its own broadcast")
	}
}

func TestLeaveFansOutAndDiscardsEmptyRoom(t *testing.T) {
	reg, m := newTestRegistry(t, config.RoomFullReject)

	a, b := &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p2")); err != nil {
		t.Fatalf("join b: %v", err)
	}

	reg.Leave(a)
	left, ok := b.lastOfType(MessageTypePeerLeft)
	if !ok || left.ParticipantID != "p1" {
		t.Fatalf("b peer-left = %+v, want p1", left)
	}
	if reg.RoomCount() != 1 {
		t.Fatalf("RoomCount = %d, want 1", reg.RoomCount())
	}

	reg.Leave(b)
	if reg.RoomCount() != 0 {
		t.Fatalf("RoomCount = %d, want 0", reg.RoomCount())
	}
	if m.Get(metrics.RoomDiscarded) != 1 {
		t.Fatalf("room_discarded = %d, want 1", m.Get(metrics.RoomDiscarded))
	}

	// Leave is idempotent for departed connections.
	reg.Leave(a)
}

func TestDuplicateParticipantIDRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, config.RoomFullReject)

	a, b := &fakeSender{}, &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := reg.Join(b, "room42", ident("p1")); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate join err = %v, want ErrDuplicateID", err)
	}
}

func TestJoinTwiceRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, config.RoomFullReject)

	a := &fakeSender{}
	if err := reg.Join(a, "room42", ident("p1")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := reg.Join(a, "room43", ident("p1b")); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join err = %v, want ErrAlreadyJoined", err)
	}
}
