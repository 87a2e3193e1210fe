package client

import (
	"github.com/aeolun/teamchat/pkg/protocol"
)

// ReadPositionTracker derives the unread badge and autoscroll decision for
// one channel from its merged sequence and the viewport's "newest message
// visible" signal.
type ReadPositionTracker struct {
	localUserID string

	lastVisible   bool
	unread        int
	pendingScroll bool

	lastLen      int
	lastNewestID string

	// onReset is called with the newest message id whenever the view is
	// considered read up to the bottom
	onReset func(newestID string)
}

// NewReadPositionTracker creates a tracker for the given local user. The
// view starts at the bottom.
func NewReadPositionTracker(localUserID string) *ReadPositionTracker {
	return &ReadPositionTracker{
		localUserID: localUserID,
		lastVisible: true,
	}
}

// OnReset registers a hook called whenever unread is cleared
func (t *ReadPositionTracker) OnReset(fn func(newestID string)) {
	t.onReset = fn
}

// SetLastVisible records whether the newest rendered message is on screen
func (t *ReadPositionTracker) SetLastVisible(visible bool) {
	t.lastVisible = visible
}

// LastVisible returns the most recent viewport signal
func (t *ReadPositionTracker) LastVisible() bool {
	return t.lastVisible
}

// Observe evaluates the transition rules against the new merged sequence.
// Only growth with a new newest message counts as an arrival; edits and
// deletions leave the counters alone.
func (t *ReadPositionTracker) Observe(messages []protocol.Message) {
	n := len(messages)
	grew := n > t.lastLen
	t.lastLen = n
	if n == 0 {
		t.lastNewestID = ""
		return
	}

	newest := messages[n-1]
	if !grew || newest.ID == t.lastNewestID {
		t.lastNewestID = newest.ID
		return
	}
	t.lastNewestID = newest.ID

	switch {
	case newest.UserID == t.localUserID && t.localUserID != "":
		t.markRead(true)
	case t.lastVisible:
		t.markRead(true)
	default:
		t.unread++
		t.pendingScroll = false
	}
}

// Prime sets the baseline after a bootstrap without counting the snapshot
// as new arrivals. unread is the number of messages past the saved read
// position.
func (t *ReadPositionTracker) Prime(messages []protocol.Message, unread int) {
	t.lastLen = len(messages)
	t.lastNewestID = ""
	if len(messages) > 0 {
		t.lastNewestID = messages[len(messages)-1].ID
	}
	if unread < 0 {
		unread = 0
	}
	t.unread = unread
	t.pendingScroll = unread == 0
}

// ScrollToBottom is the user's explicit "jump to latest" action. Both
// counters reset regardless of prior state.
func (t *ReadPositionTracker) ScrollToBottom() {
	t.markRead(false)
}

func (t *ReadPositionTracker) markRead(scroll bool) {
	t.unread = 0
	t.pendingScroll = scroll
	if t.onReset != nil && t.lastNewestID != "" {
		t.onReset(t.lastNewestID)
	}
}

// UnreadCount returns the unread badge value
func (t *ReadPositionTracker) UnreadCount() int {
	return t.unread
}

// PendingScroll reports whether the view should scroll to the newest message
func (t *ReadPositionTracker) PendingScroll() bool {
	return t.pendingScroll
}

// ConsumeScroll returns PendingScroll and clears it, for views that
// perform the scroll once.
func (t *ReadPositionTracker) ConsumeScroll() bool {
	p := t.pendingScroll
	t.pendingScroll = false
	return p
}
