package callctrl

import (
	"sync"
	"time"

	"github.com/telecare/consult-relay/internal/signaling"
)

// ChatEntry is one transcript line. Local entries are appended optimistically
// when the user sends; the relay never echoes them back.
type ChatEntry struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	At         time.Time
	Local      bool
}

// Transcript collects the chat history of a call. It has its own lock so
// UI reads never contend with the controller's state machine.
type Transcript struct {
	mu      sync.Mutex
	entries []ChatEntry
}

func (t *Transcript) appendLocal(ownID, text string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, ChatEntry{
		SenderID:   ownID,
		SenderName: "me",
		Text:       text,
		At:         at,
		Local:      true,
	})
}

func (t *Transcript) appendRemote(msg signaling.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, ChatEntry{
		ID:         msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		At:         time.UnixMilli(msg.Timestamp),
	})
}

// Entries returns a copy of the transcript in arrival order.
func (t *Transcript) Entries() []ChatEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChatEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
