package client

import (
	"log"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// SubscriptionRegistry tracks the channels the current view wants events for
// and declares them to the server. The server keeps no subscription state
// across a dropped connection, so every new connection epoch gets the whole
// desired set re-declared.
//
// Not safe for concurrent use; Session drives it from its event loop.
type SubscriptionRegistry struct {
	sender Sender

	desired   []string        // in declaration order
	isDesired map[string]bool // membership for desired
	declared  map[string]bool // subscribed in the current epoch
	epoch     string          // current connection epoch, "" while disconnected
	connected bool

	logger *log.Logger
}

// NewSubscriptionRegistry creates a registry that writes declarations through sender
func NewSubscriptionRegistry(sender Sender) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		sender:    sender,
		isDesired: make(map[string]bool),
		declared:  make(map[string]bool),
	}
}

// SetLogger sets a logger for subscription events
func (r *SubscriptionRegistry) SetLogger(logger *log.Logger) {
	r.logger = logger
}

func (r *SubscriptionRegistry) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Printf("[subs] "+format, args...)
	}
}

// SetDesiredChannels replaces the desired set. Removed channels are
// unsubscribed first, in their previous declaration order, then added
// channels are subscribed in the order given. Duplicate ids in ids are
// collapsed. Returns what changed.
func (r *SubscriptionRegistry) SetDesiredChannels(ids []string) (added, removed []string) {
	next := make(map[string]bool, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || next[id] {
			continue
		}
		next[id] = true
		ordered = append(ordered, id)
	}

	for _, id := range r.desired {
		if !next[id] {
			removed = append(removed, id)
		}
	}
	for _, id := range ordered {
		if !r.isDesired[id] {
			added = append(added, id)
		}
	}

	for _, id := range removed {
		r.undeclare(id)
	}

	// Survivors keep their declaration order; new channels go last.
	kept := make([]string, 0, len(ordered))
	for _, id := range r.desired {
		if next[id] {
			kept = append(kept, id)
		}
	}
	r.desired = append(kept, added...)
	r.isDesired = next

	for _, id := range added {
		r.declare(id)
	}

	return added, removed
}

// Add makes channelID desired. Adding an already-desired channel is a no-op
// and returns false.
func (r *SubscriptionRegistry) Add(channelID string) bool {
	if channelID == "" || r.isDesired[channelID] {
		return false
	}
	r.desired = append(r.desired, channelID)
	r.isDesired[channelID] = true
	r.declare(channelID)
	return true
}

// Remove drops channelID from the desired set. Returns false if it was not desired.
func (r *SubscriptionRegistry) Remove(channelID string) bool {
	if !r.isDesired[channelID] {
		return false
	}
	delete(r.isDesired, channelID)
	for i, id := range r.desired {
		if id == channelID {
			r.desired = append(r.desired[:i], r.desired[i+1:]...)
			break
		}
	}
	r.undeclare(channelID)
	return true
}

// OnReconnected starts a new epoch and subscribes every desired channel once,
// in declaration order.
func (r *SubscriptionRegistry) OnReconnected(epoch string) {
	r.epoch = epoch
	r.connected = true
	r.declared = make(map[string]bool, len(r.desired))

	r.logf("Connection epoch %s: declaring %d channel(s)", epoch, len(r.desired))
	for _, id := range r.desired {
		r.declare(id)
	}
}

// OnDisconnected forgets what was declared; the server has dropped it too
func (r *SubscriptionRegistry) OnDisconnected() {
	r.connected = false
	r.epoch = ""
	r.declared = make(map[string]bool)
}

// Desired returns the desired channels in declaration order
func (r *SubscriptionRegistry) Desired() []string {
	out := make([]string, len(r.desired))
	copy(out, r.desired)
	return out
}

// IsDesired reports whether events for channelID should be accepted
func (r *SubscriptionRegistry) IsDesired(channelID string) bool {
	return r.isDesired[channelID]
}

// IsDeclared reports whether channelID has been subscribed in the current epoch
func (r *SubscriptionRegistry) IsDeclared(channelID string) bool {
	return r.declared[channelID]
}

func (r *SubscriptionRegistry) declare(channelID string) {
	if !r.connected || r.declared[channelID] {
		return
	}
	if err := r.sender.SendInEpoch(r.epoch, protocol.NewSubscribe(channelID)); err != nil {
		// The next connected epoch re-declares it
		r.logf("Subscribe %s not sent: %v", channelID, err)
		return
	}
	r.declared[channelID] = true
}

func (r *SubscriptionRegistry) undeclare(channelID string) {
	if !r.declared[channelID] {
		return
	}
	delete(r.declared, channelID)
	if !r.connected {
		return
	}
	if err := r.sender.SendInEpoch(r.epoch, protocol.NewUnsubscribe(channelID)); err != nil {
		r.logf("Unsubscribe %s not sent: %v", channelID, err)
	}
}
