package simserver

import (
	"sync"
	"sync/atomic"
)

// Session represents an active client connection
type Session struct {
	ID   uint64
	Conn *SafeConn

	subscribedChannels map[string]bool
	subMu              sync.RWMutex // Protects subscribedChannels
}

// IsSubscribedToChannel reports whether the session declared channelID
func (s *Session) IsSubscribedToChannel(channelID string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subscribedChannels[channelID]
}

// ChannelSubscriptionCount returns the number of declared channels
func (s *Session) ChannelSubscriptionCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribedChannels)
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex

	// Reverse subscription index for fast broadcast lookups
	channelSubscribers map[string]map[uint64]*Session // channelID -> sessionID -> session
	subIndexMu         sync.RWMutex                   // Protects channelSubscribers
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:           make(map[uint64]*Session),
		nextID:             1,
		channelSubscribers: make(map[string]map[uint64]*Session),
	}
}

// CreateSession registers a new connection
func (sm *SessionManager) CreateSession(conn *SafeConn) *Session {
	sess := &Session{
		ID:                 atomic.AddUint64(&sm.nextID, 1) - 1,
		Conn:               conn,
		subscribedChannels: make(map[string]bool),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sm.mu.Unlock()

	return sess
}

// RemoveSession drops a session and all of its subscriptions
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()
	if !ok {
		return
	}

	sess.subMu.Lock()
	channels := make([]string, 0, len(sess.subscribedChannels))
	for ch := range sess.subscribedChannels {
		channels = append(channels, ch)
	}
	sess.subscribedChannels = make(map[string]bool)
	sess.subMu.Unlock()

	sm.subIndexMu.Lock()
	for _, ch := range channels {
		sm.removeFromIndex(ch, sessionID)
	}
	sm.subIndexMu.Unlock()
}

// GetAllSessions returns a snapshot of the active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of active sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every connection. Read loops then remove their sessions.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}

// SubscribeToChannel adds channelID to the session's declared set.
// Returns false if it was already declared.
func (sm *SessionManager) SubscribeToChannel(sess *Session, channelID string) bool {
	sess.subMu.Lock()
	if sess.subscribedChannels[channelID] {
		sess.subMu.Unlock()
		return false
	}
	sess.subscribedChannels[channelID] = true
	sess.subMu.Unlock()

	sm.subIndexMu.Lock()
	subs := sm.channelSubscribers[channelID]
	if subs == nil {
		subs = make(map[uint64]*Session)
		sm.channelSubscribers[channelID] = subs
	}
	subs[sess.ID] = sess
	sm.subIndexMu.Unlock()
	return true
}

// UnsubscribeFromChannel removes channelID from the session's declared set
func (sm *SessionManager) UnsubscribeFromChannel(sess *Session, channelID string) bool {
	sess.subMu.Lock()
	if !sess.subscribedChannels[channelID] {
		sess.subMu.Unlock()
		return false
	}
	delete(sess.subscribedChannels, channelID)
	sess.subMu.Unlock()

	sm.subIndexMu.Lock()
	sm.removeFromIndex(channelID, sess.ID)
	sm.subIndexMu.Unlock()
	return true
}

// removeFromIndex must be called with subIndexMu held
func (sm *SessionManager) removeFromIndex(channelID string, sessionID uint64) {
	subs := sm.channelSubscribers[channelID]
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(sm.channelSubscribers, channelID)
	}
}

// GetChannelSubscribers returns the sessions that declared channelID
func (sm *SessionManager) GetChannelSubscribers(channelID string) []*Session {
	sm.subIndexMu.RLock()
	defer sm.subIndexMu.RUnlock()

	subs := sm.channelSubscribers[channelID]
	sessions := make([]*Session, 0, len(subs))
	for _, sess := range subs {
		sessions = append(sessions, sess)
	}
	return sessions
}
