package signaling

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/telecare/consult-relay/internal/config"
	"github.com/telecare/consult-relay/internal/metrics"
)

var (
	ErrAlreadyJoined = errors.New("connection already joined a room")
	ErrRoomFull      = errors.New("room is full")
	ErrDuplicateID   = errors.New("participant id already present in room")
	ErrJoinQueued    = errors.New("room is full, join queued")
)

// Sender is one attached connection. Send must be safe for concurrent use;
// a failed Send means the connection is dying and the registry treats the
// message as dropped.
type Sender interface {
	Send(Message) error
}

type member struct {
	sender   Sender
	identity Identity
}

type room struct {
	id      string
	members []*member
	queue   []*member
}

type membership struct {
	room   *room
	queued bool
}

// Registry owns all rooms and the connection-to-room index. One mutex guards
// the whole structure; join, routing, and leave each run as a single atomic
// step under it, so a participants-list snapshot and its peer-joined fanout
// can never interleave with another join or leave.
type Registry struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	capacity int
	policy   config.RoomFullPolicy

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[Sender]*membership
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics, capacity int, policy config.RoomFullPolicy) *Registry {
	if capacity < 2 {
		capacity = config.DefaultRoomCapacity
	}
	return &Registry{
		log:      logger,
		metrics:  m,
		capacity: capacity,
		policy:   policy,
		rooms:    make(map[string]*room),
		byConn:   make(map[Sender]*membership),
	}
}

// Join attaches sender to roomID. On success the joiner receives a
// participants-list snapshot and every existing member receives peer-joined,
// all before any later room event can be observed. A full room either
// rejects (ErrRoomFull) or parks the joiner (ErrJoinQueued) depending on
// policy; a queued joiner is promoted by a later Leave.
func (g *Registry) Join(sender Sender, roomID string, identity Identity) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byConn[sender]; ok {
		return ErrAlreadyJoined
	}

	r, ok := g.rooms[roomID]
	if !ok {
		r = &room{id: roomID}
		g.rooms[roomID] = r
		g.metrics.Inc(metrics.RoomCreated)
		g.log.Info("room created", "room_id", roomID)
	}

	for _, m := range append(r.members, r.queue...) {
		if m.identity.ParticipantID == identity.ParticipantID {
			return ErrDuplicateID
		}
	}

	m := &member{sender: sender, identity: identity}

	if len(r.members) >= g.capacity {
		if g.policy == config.RoomFullQueue {
			r.queue = append(r.queue, m)
			g.byConn[sender] = &membership{room: r, queued: true}
			g.metrics.Inc(metrics.JoinQueued)
			g.log.Info("join queued", "room_id", roomID, "participant_id", identity.ParticipantID)
			return ErrJoinQueued
		}
		g.metrics.Inc(metrics.JoinRoomFull)
		if len(r.members) == 0 && len(r.queue) == 0 {
			g.discardLocked(r)
		}
		return ErrRoomFull
	}

	g.admitLocked(r, m)
	g.byConn[sender] = &membership{room: r}
	return nil
}

// admitLocked adds m to the room, snapshots the existing members into a
// participants-list for the joiner, and fans out peer-joined. Caller holds mu.
func (g *Registry) admitLocked(r *room, m *member) {
	snapshot := make([]Identity, 0, len(r.members))
	for _, existing := range r.members {
		snapshot = append(snapshot, existing.identity)
	}

	r.members = append(r.members, m)

	_ = m.sender.Send(Message{
		Type:         MessageTypeParticipantsList,
		RoomID:       r.id,
		Participants: snapshot,
	})

	joined := Message{
		Type:          MessageTypePeerJoined,
		ParticipantID: m.identity.ParticipantID,
		DisplayName:   m.identity.DisplayName,
		Role:          m.identity.Role,
	}
	for _, existing := range r.members {
		if existing == m {
			continue
		}
		_ = existing.sender.Send(joined)
	}

	g.metrics.Inc(metrics.JoinOK)
	g.log.Info("participant joined",
		"room_id", r.id,
		"participant_id", m.identity.ParticipantID,
		"role", string(m.identity.Role),
		"room_size", len(r.members),
	)
}

// Relay forwards msg to the member of sender's room whose participant id is
// targetID. A miss of any kind (sender not joined, target absent, target in
// another room) is dropped silently and reported only through the return
// value and the drop counter.
func (g *Registry) Relay(sender Sender, targetID string, msg Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, ok := g.byConn[sender]
	if !ok || ms.queued {
		g.dropLocked(msg.Type, "sender not in a room")
		return false
	}
	for _, m := range ms.room.members {
		if m.identity.ParticipantID == targetID {
			_ = m.sender.Send(msg)
			return true
		}
	}
	g.dropLocked(msg.Type, "target not in room")
	return false
}

// Broadcast sends msg to every member of sender's room except sender itself.
func (g *Registry) Broadcast(sender Sender, msg Message) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, ok := g.byConn[sender]
	if !ok || ms.queued {
		g.dropLocked(msg.Type, "sender not in a room")
		return false
	}
	for _, m := range ms.room.members {
		if m.sender == sender {
			continue
		}
		_ = m.sender.Send(msg)
	}
	return true
}

// Identity reports the joined identity for sender, if any. Queued joiners
// report ok=false; they are not in the room yet.
func (g *Registry) Identity(sender Sender) (Identity, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, ok := g.byConn[sender]
	if !ok || ms.queued {
		return Identity{}, "", false
	}
	for _, m := range ms.room.members {
		if m.sender == sender {
			return m.identity, ms.room.id, true
		}
	}
	return Identity{}, "", false
}

// Leave detaches sender from its room, fanning out peer-left to the
// remaining members. Both an explicit leave message and a transport drop end
// up here; calling it for a connection that never joined is a no-op. An
// emptied room is discarded; a freed slot promotes the oldest queued joiner.
func (g *Registry) Leave(sender Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms, ok := g.byConn[sender]
	if !ok {
		return
	}
	delete(g.byConn, sender)
	r := ms.room

	if ms.queued {
		for i, m := range r.queue {
			if m.sender == sender {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
		if len(r.members) == 0 && len(r.queue) == 0 {
			g.discardLocked(r)
		}
		return
	}

	var left *member
	for i, m := range r.members {
		if m.sender == sender {
			left = m
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	if left == nil {
		return
	}

	gone := Message{
		Type:          MessageTypePeerLeft,
		ParticipantID: left.identity.ParticipantID,
	}
	for _, m := range r.members {
		_ = m.sender.Send(gone)
	}

	g.log.Info("participant left",
		"room_id", r.id,
		"participant_id", left.identity.ParticipantID,
		"room_size", len(r.members),
	)

	if len(r.queue) > 0 && len(r.members) < g.capacity {
		next := r.queue[0]
		r.queue = r.queue[1:]
		if nm, ok := g.byConn[next.sender]; ok {
			nm.queued = false
		}
		g.admitLocked(r, next)
	}

	if len(r.members) == 0 && len(r.queue) == 0 {
		g.discardLocked(r)
	}
}

// DropNotRouted records a message that arrived from a connection with no
// room membership. The sender gets no feedback.
func (g *Registry) DropNotRouted(t MessageType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropLocked(t, "sender not in a room")
}

func (g *Registry) dropLocked(t MessageType, reason string) {
	g.metrics.Inc(metrics.RelayRoutingDrop)
	g.log.Debug("relay drop", "message_type", string(t), "reason", reason)
}

func (g *Registry) discardLocked(r *room) {
	delete(g.rooms, r.id)
	g.metrics.Inc(metrics.RoomDiscarded)
	g.log.Info("room discarded", "room_id", r.id)
}

// RoomCount reports the number of live rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
