package client

import (
	"context"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect()
	Close()
	IsConnected() bool
	State() ConnectionState
	GetAddress() string

	// Message sending
	Send(msg *protocol.WSMessage) error
	SendInEpoch(epoch string, msg *protocol.WSMessage) error

	// Channels for receiving data
	Incoming() <-chan []byte
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Configuration
	DisableAutoReconnect()
	EnableAutoReconnect()
}

// Sender is the write side of a connection. SubscriptionRegistry only ever
// writes through it; it never opens a channel of its own. Frames are tied to
// the epoch they were meant for and refused once that channel is gone.
type Sender interface {
	SendInEpoch(epoch string, msg *protocol.WSMessage) error
}

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Read position tracking
	GetReadPosition(channelID string) (string, error)
	UpdateReadPosition(channelID string, messageID string) error

	// State directory
	GetStateDir() string

	// Close the state
	Close() error
}

// HistoryFetcher returns the ordered history of a channel. The returned order
// is used as bootstrap order.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channelID string) ([]protocol.Message, error)
}

// HistoryFunc adapts a plain function to HistoryFetcher
type HistoryFunc func(ctx context.Context, channelID string) ([]protocol.Message, error)

func (f HistoryFunc) FetchHistory(ctx context.Context, channelID string) ([]protocol.Message, error) {
	return f(ctx, channelID)
}

// TypingSink receives typing-indicator toggles
type TypingSink interface {
	SetTyping(channelID, userID string, enabled bool)
}

// DiagnosticsSink receives debug-mode toggles
type DiagnosticsSink interface {
	SetDebug(enabled bool)
}
