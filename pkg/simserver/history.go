package simserver

import (
	"errors"
	"sync"
	"time"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/google/uuid"
)

// ErrMessageNotFound is returned when editing or deleting an unknown id
var ErrMessageNotFound = errors.New("message not found")

// History is the server's in-memory message log
type History struct {
	mu        sync.RWMutex
	messages  map[string]*protocol.Message
	byChannel map[string][]string // channelID -> message ids in post order
	now       func() time.Time
}

// NewHistory creates an empty log
func NewHistory() *History {
	return &History{
		messages:  make(map[string]*protocol.Message),
		byChannel: make(map[string][]string),
		now:       time.Now,
	}
}

// Post stores a new message and returns it with its assigned id.
// A non-empty parentID makes it a thread reply.
func (h *History) Post(channelID, userID, content, parentID string) protocol.Message {
	msg := protocol.Message{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: h.now().UTC(),
	}
	msg.UpdatedAt = msg.CreatedAt
	if parentID != "" {
		msg.ParentID = &parentID
	}

	h.mu.Lock()
	h.messages[msg.ID] = &msg
	h.byChannel[channelID] = append(h.byChannel[channelID], msg.ID)
	h.mu.Unlock()

	return msg
}

// Update replaces the content of messageID
func (h *History) Update(messageID, content string) (protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[messageID]
	if !ok {
		return protocol.Message{}, ErrMessageNotFound
	}
	msg.Content = content
	msg.UpdatedAt = h.now().UTC()
	return *msg, nil
}

// Delete removes messageID and returns the deleted message
func (h *History) Delete(messageID string) (protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg, ok := h.messages[messageID]
	if !ok {
		return protocol.Message{}, ErrMessageNotFound
	}
	delete(h.messages, messageID)

	ids := h.byChannel[msg.ChannelID]
	for i, id := range ids {
		if id == messageID {
			h.byChannel[msg.ChannelID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return *msg, nil
}

// Get returns messageID
func (h *History) Get(messageID string) (protocol.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg, ok := h.messages[messageID]
	if !ok {
		return protocol.Message{}, false
	}
	return *msg, true
}

// List returns channelID's messages in post order, replies included
func (h *History) List(channelID string) []protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := h.byChannel[channelID]
	out := make([]protocol.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *h.messages[id])
	}
	return out
}
