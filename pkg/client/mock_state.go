package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	// In-memory storage
	config        map[string]string
	readPositions map[string]string
	dir           string

	// Error injection
	getConfigErr          error
	setConfigErr          error
	getReadPositionErr    error
	updateReadPositionErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:        make(map[string]string),
		readPositions: make(map[string]string),
		dir:           "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

// GetReadPosition returns the last read message id for a channel
func (s *MockState) GetReadPosition(channelID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getReadPositionErr != nil {
		return "", s.getReadPositionErr
	}
	return s.readPositions[channelID], nil
}

// UpdateReadPosition records the last read message id for a channel
func (s *MockState) UpdateReadPosition(channelID string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateReadPositionErr != nil {
		return s.updateReadPositionErr
	}
	s.readPositions[channelID] = messageID
	return nil
}

// GetStateDir returns the directory where state is stored
func (s *MockState) GetStateDir() string {
	return s.dir
}

// Close closes the mock state (no-op for in-memory)
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetConfigError sets an error to return from GetConfig()
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError sets an error to return from SetConfig()
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}

// SetGetReadPositionError sets an error to return from GetReadPosition()
func (s *MockState) SetGetReadPositionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getReadPositionErr = err
}

// SetUpdateReadPositionError sets an error to return from UpdateReadPosition()
func (s *MockState) SetUpdateReadPositionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateReadPositionErr = err
}

// GetAllReadPositions returns all read positions (for testing)
func (s *MockState) GetAllReadPositions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(s.readPositions))
	for k, v := range s.readPositions {
		result[k] = v
	}
	return result
}

// Clear clears all state (for testing)
func (s *MockState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = make(map[string]string)
	s.readPositions = make(map[string]string)
}

// Verify that MockState implements StateInterface
var _ StateInterface = (*MockState)(nil)
