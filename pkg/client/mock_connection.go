package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	state         ConnectionState
	address       string
	autoReconnect bool
	connectErr    error
	sendErr       error
	closed        bool
	epoch         string // set by SimulateConnected; empty matches any epoch

	// Channels for communication
	incoming    chan []byte
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Sent messages for verification
	sent []*protocol.WSMessage
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		state:         StateDisconnected,
		address:       address,
		autoReconnect: true,
		incoming:      make(chan []byte, 100),
		errors:        make(chan error, 10),
		stateChange:   make(chan ConnectionStateUpdate, 10),
	}
}

// Connect simulates connecting to the server. It does not emit a state
// change; tests drive that with SimulateConnected.
func (m *MockConnection) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}
	m.state = StateConnected
	return nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	m.epoch = ""
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.state = StateDisconnected
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// State returns the simulated lifecycle state
func (m *MockConnection) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetAddress returns the mock address
func (m *MockConnection) GetAddress() string {
	return m.address
}

// Send records msg for verification. Like the real connection it refuses
// to send while not connected.
func (m *MockConnection) Send(msg *protocol.WSMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if m.state != StateConnected {
		return ErrNotConnected
	}
	m.sent = append(m.sent, msg)
	return nil
}

// SendInEpoch records msg like Send, but refuses it once the simulated
// connection has moved on to another epoch.
func (m *MockConnection) SendInEpoch(epoch string, msg *protocol.WSMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if m.state != StateConnected || (m.epoch != "" && m.epoch != epoch) {
		return ErrNotConnected
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Incoming returns the incoming frame channel
func (m *MockConnection) Incoming() <-chan []byte {
	return m.incoming
}

// Errors returns the error channel
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// StateChanges returns the state change channel
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// DisableAutoReconnect disables auto-reconnect
func (m *MockConnection) DisableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = false
}

// EnableAutoReconnect enables automatic reconnection
func (m *MockConnection) EnableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = true
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateIncoming queues a raw inbound frame
func (m *MockConnection) SimulateIncoming(data []byte) {
	m.incoming <- data
}

// SimulateIncomingMessage encodes msg and queues it as an inbound frame
func (m *MockConnection) SimulateIncomingMessage(msg *protocol.WSMessage) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	m.incoming <- data
	return nil
}

// SimulateError sends an error to the errors channel
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateConnected marks the mock connected and emits a connected update
func (m *MockConnection) SimulateConnected(epoch string) {
	m.mu.Lock()
	m.state = StateConnected
	m.epoch = epoch
	m.mu.Unlock()
	m.stateChange <- ConnectionStateUpdate{State: StateConnected, Epoch: epoch}
}

// SimulateDisconnected marks the mock disconnected and emits the update
func (m *MockConnection) SimulateDisconnected(err error) {
	m.mu.Lock()
	m.state = StateDisconnected
	m.epoch = ""
	m.mu.Unlock()
	m.stateChange <- ConnectionStateUpdate{State: StateDisconnected, Err: err}
}

// SimulateStateChange sends a state change to the stateChange channel
func (m *MockConnection) SimulateStateChange(update ConnectionStateUpdate) {
	m.mu.Lock()
	m.state = update.State
	if update.State != StateConnecting {
		m.epoch = update.Epoch
	}
	m.mu.Unlock()
	m.stateChange <- update
}

// SentMessages returns a copy of everything sent so far
func (m *MockConnection) SentMessages() []*protocol.WSMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*protocol.WSMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentOfType returns the channel ids of sent messages of the given type, in order
func (m *MockConnection) SentOfType(msgType string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, msg := range m.sent {
		if msg.Type == msgType {
			ids = append(ids, msg.ChannelID)
		}
	}
	return ids
}

// GetSentMessageCount returns the number of messages sent
func (m *MockConnection) GetSentMessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sent)
}

// GetLastSentMessage returns the last message sent, or error if none
func (m *MockConnection) GetLastSentMessage() (*protocol.WSMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.sent) == 0 {
		return nil, fmt.Errorf("no messages sent")
	}
	return m.sent[len(m.sent)-1], nil
}

// ClearSentMessages clears the sent messages list
func (m *MockConnection) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Verify that MockConnection implements ConnectionInterface
var _ ConnectionInterface = (*MockConnection)(nil)
