package client

import (
	"log"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/elliotchance/orderedmap"
)

// MessageObserver receives the full merged sequence of a channel after every change
type MessageObserver func(channelID string, messages []protocol.Message)

type observerEntry struct {
	id uint64
	fn MessageObserver
}

// channelView is the merged top-level view of one channel, keyed by message
// id in arrival order.
type channelView struct {
	messages     *orderedmap.OrderedMap // id -> protocol.Message
	bootstrapped bool
	observers    []observerEntry
}

func newChannelView() *channelView {
	return &channelView{messages: orderedmap.NewOrderedMap()}
}

func (v *channelView) snapshot() []protocol.Message {
	out := make([]protocol.Message, 0, v.messages.Len())
	for _, key := range v.messages.Keys() {
		value, ok := v.messages.Get(key)
		if !ok {
			continue
		}
		out = append(out, value.(protocol.Message))
	}
	return out
}

// MessageStore merges bootstrap history with streamed events per channel.
// Thread replies are never part of the merged sequence, ids are unique per
// channel, and the order is arrival order: snapshot first, then streamed
// messages as received. It never re-sorts by timestamp.
//
// Not safe for concurrent use; Session drives it from its event loop.
type MessageStore struct {
	channels  map[string]*channelView
	channelOf map[string]string // message id -> channel id
	nextObs   uint64

	metrics *Metrics
	logger  *log.Logger
}

// NewMessageStore creates an empty store
func NewMessageStore() *MessageStore {
	return &MessageStore{
		channels:  make(map[string]*channelView),
		channelOf: make(map[string]string),
	}
}

// SetLogger sets a logger for store events
func (s *MessageStore) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetMetrics attaches the per-channel size gauge
func (s *MessageStore) SetMetrics(m *Metrics) {
	s.metrics = m
}

func (s *MessageStore) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf("[store] "+format, args...)
	}
}

func (s *MessageStore) view(channelID string) *channelView {
	v, ok := s.channels[channelID]
	if !ok {
		v = newChannelView()
		s.channels[channelID] = v
	}
	return v
}

// Bootstrap installs the history snapshot for channelID. The snapshot comes
// first in the order given; messages already streamed for the channel and
// not in the snapshot follow in their arrival order. For ids in both, the
// snapshot copy wins.
func (s *MessageStore) Bootstrap(channelID string, history []protocol.Message) {
	v := s.view(channelID)
	previous := v.messages

	merged := orderedmap.NewOrderedMap()
	for _, msg := range history {
		if msg.IsReply() || msg.ID == "" {
			continue
		}
		if _, dup := merged.Get(msg.ID); dup {
			continue
		}
		if msg.ChannelID == "" {
			msg.ChannelID = channelID
		}
		merged.Set(msg.ID, msg)
	}

	streamed := 0
	for _, key := range previous.Keys() {
		if _, inSnapshot := merged.Get(key); inSnapshot {
			continue
		}
		value, _ := previous.Get(key)
		merged.Set(key, value)
		streamed++
	}

	for _, key := range previous.Keys() {
		delete(s.channelOf, key.(string))
	}
	for _, key := range merged.Keys() {
		s.channelOf[key.(string)] = channelID
	}

	v.messages = merged
	v.bootstrapped = true

	s.logf("Bootstrapped channel %s: %d from history, %d streamed earlier", channelID, merged.Len()-streamed, streamed)
	s.changed(channelID, v)
}

// Append adds a streamed message. Replies and ids already present are
// discarded. Returns whether the sequence changed.
func (s *MessageStore) Append(msg protocol.Message) bool {
	if msg.ID == "" || msg.ChannelID == "" {
		return false
	}
	if msg.IsReply() {
		s.logf("Skipping thread reply %s in channel %s", msg.ID, msg.ChannelID)
		return false
	}

	v := s.view(msg.ChannelID)
	if _, exists := v.messages.Get(msg.ID); exists {
		s.logf("Discarding duplicate message %s in channel %s", msg.ID, msg.ChannelID)
		return false
	}

	v.messages.Set(msg.ID, msg)
	s.channelOf[msg.ID] = msg.ChannelID
	s.changed(msg.ChannelID, v)
	return true
}

// Edit applies an update to the message with id messageID in place. Content,
// UpdatedAt and Attachments are taken from update when set; identity,
// author, creation time and position are kept. Unknown ids are ignored.
func (s *MessageStore) Edit(messageID string, update protocol.Message) bool {
	channelID, ok := s.channelOf[messageID]
	if !ok {
		return false
	}
	v := s.channels[channelID]
	value, ok := v.messages.Get(messageID)
	if !ok {
		return false
	}

	msg := value.(protocol.Message)
	if update.Content != "" {
		msg.Content = update.Content
	}
	if !update.UpdatedAt.IsZero() {
		msg.UpdatedAt = update.UpdatedAt
	}
	if update.Attachments != nil {
		msg.Attachments = update.Attachments
	}

	// Set on an existing key keeps its position
	v.messages.Set(messageID, msg)
	s.changed(channelID, v)
	return true
}

// Delete removes the message with id messageID. Unknown ids are ignored.
func (s *MessageStore) Delete(messageID string) bool {
	channelID, ok := s.channelOf[messageID]
	if !ok {
		return false
	}
	v := s.channels[channelID]
	if !v.messages.Delete(messageID) {
		return false
	}
	delete(s.channelOf, messageID)
	s.changed(channelID, v)
	return true
}

// Messages returns a copy of the merged sequence for channelID
func (s *MessageStore) Messages(channelID string) []protocol.Message {
	v, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return v.snapshot()
}

// Len returns the length of the merged sequence for channelID
func (s *MessageStore) Len(channelID string) int {
	v, ok := s.channels[channelID]
	if !ok {
		return 0
	}
	return v.messages.Len()
}

// IsBootstrapped reports whether a history snapshot was installed for channelID
func (s *MessageStore) IsBootstrapped(channelID string) bool {
	v, ok := s.channels[channelID]
	return ok && v.bootstrapped
}

// Observe registers fn for changes to channelID. The returned function
// unregisters it; calling it more than once is harmless.
func (s *MessageStore) Observe(channelID string, fn MessageObserver) (cancel func()) {
	v := s.view(channelID)
	s.nextObs++
	id := s.nextObs
	v.observers = append(v.observers, observerEntry{id: id, fn: fn})

	return func() {
		v, ok := s.channels[channelID]
		if !ok {
			return
		}
		for i, o := range v.observers {
			if o.id == id {
				v.observers = append(v.observers[:i], v.observers[i+1:]...)
				return
			}
		}
	}
}

// ObserverCount returns how many observers are registered for channelID
func (s *MessageStore) ObserverCount(channelID string) int {
	v, ok := s.channels[channelID]
	if !ok {
		return 0
	}
	return len(v.observers)
}

// Drop forgets everything about channelID: messages, bootstrap state and observers
func (s *MessageStore) Drop(channelID string) {
	v, ok := s.channels[channelID]
	if !ok {
		return
	}
	for _, key := range v.messages.Keys() {
		delete(s.channelOf, key.(string))
	}
	delete(s.channels, channelID)
	s.metrics.ForgetChannel(channelID)
	s.logf("Dropped channel %s", channelID)
}

func (s *MessageStore) changed(channelID string, v *channelView) {
	s.metrics.SetStoredMessages(channelID, v.messages.Len())
	if len(v.observers) == 0 {
		return
	}
	snapshot := v.snapshot()
	// Observers may cancel themselves while being notified
	observers := make([]observerEntry, len(v.observers))
	copy(observers, v.observers)
	for _, o := range observers {
		o.fn(channelID, snapshot)
	}
}
