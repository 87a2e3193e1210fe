package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while no channel is open
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed is returned once Close has been called
	ErrConnectionClosed = errors.New("connection closed")

	// ErrQueueFull is returned when the outgoing queue cannot take another frame
	ErrQueueFull = errors.New("outgoing queue full")

	// ErrRetriesExhausted is attached to the final disconnected state update
	// when the reconnect ceiling has been reached.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrSessionStopped is returned by Session calls after Run has returned
	ErrSessionStopped = errors.New("session stopped")

	// errAttemptAbandoned marks a connect attempt overtaken by Disconnect or Close
	errAttemptAbandoned = errors.New("connect attempt abandoned")
)

// TransportError wraps a dial, read or write failure on the duplex channel.
// It is recovered locally through reconnect backoff.
type TransportError struct {
	Op  string // "dial", "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BootstrapFetchError reports a failed history fetch. The core never
// retries history fetches; the caller may call Bootstrap again.
type BootstrapFetchError struct {
	ChannelID string
	Err       error
}

func (e *BootstrapFetchError) Error() string {
	return fmt.Sprintf("fetch history for channel %s: %v", e.ChannelID, e.Err)
}

func (e *BootstrapFetchError) Unwrap() error {
	return e.Err
}

// Temporary marks bootstrap failures as retryable
func (e *BootstrapFetchError) Temporary() bool {
	return true
}
