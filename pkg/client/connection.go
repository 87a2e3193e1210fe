package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/ratelimit"
)

// ConnectionState is the lifecycle state of the duplex channel
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ConnectionStateUpdate represents a connection state change.
// Epoch is set on connected updates and changes with every successful connect.
// A connecting -> disconnected update always carries Err.
type ConnectionStateUpdate struct {
	State   ConnectionState
	Attempt int
	Epoch   string
	Err     error
}

// DisconnectReason indicates why a connection was lost
type DisconnectReason int

const (
	DisconnectUnknown       DisconnectReason = iota
	DisconnectError                          // Read/write error
	DisconnectServerDown                     // Server closed connection
	DisconnectUserRequested                  // User explicitly disconnected
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectError:
		return "error"
	case DisconnectServerDown:
		return "server closed"
	case DisconnectUserRequested:
		return "user requested"
	default:
		return "unknown"
	}
}

// Options tune reconnection, keep-alive and pacing
type Options struct {
	// ReconnectInitial is the delay before the first reconnect attempt
	ReconnectInitial time.Duration
	// ReconnectMax caps every reconnect delay, jitter included
	ReconnectMax time.Duration
	// ReconnectJitter randomizes each delay by +/- this fraction
	ReconnectJitter float64
	// MaxReconnectAttempts stops reconnecting after this many failures (0 = never stop)
	MaxReconnectAttempts int
	// PingInterval is how often a ping frame is sent while connected (0 = never)
	PingInterval time.Duration
	// SendRate limits outgoing frames per second (0 = unlimited)
	SendRate int
}

// DefaultOptions returns the reconnect and keep-alive defaults
func DefaultOptions() Options {
	return Options{
		ReconnectInitial:     1 * time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectJitter:      0.5,
		MaxReconnectAttempts: 0,
		PingInterval:         30 * time.Second,
		SendRate:             0,
	}
}

const (
	incomingBuffer = 100
	outgoingBuffer = 100
	errorsBuffer   = 10
	stateBuffer    = 32
)

// Connection owns the one duplex channel to the server. It reconnects with
// capped, jittered exponential backoff after transport failures and sends a
// periodic ping while connected. Pings are fire-and-forget; loss is detected
// only from transport close/error.
type Connection struct {
	addr string
	dial Dialer
	opts Options

	mu            sync.RWMutex
	state         ConnectionState
	transport     Transport
	epoch         string
	generation    uint64        // bumped whenever the current channel is abandoned
	done          chan struct{} // closed when the current channel is abandoned
	outgoing      chan []byte   // per-channel send queue
	autoReconnect bool

	reconnecting    bool
	reconnectCancel context.CancelFunc

	lastDisconnectReason DisconnectReason

	// Channels for communication
	incoming    chan []byte
	errors      chan error
	stateChange chan ConnectionStateUpdate

	limiter ratelimit.Limiter
	metrics *Metrics

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a connection that opens channels with dial.
// addr is only used for display and logging.
func NewConnection(addr string, dial Dialer, opts Options) *Connection {
	limiter := ratelimit.NewUnlimited()
	if opts.SendRate > 0 {
		limiter = ratelimit.New(opts.SendRate)
	}

	return &Connection{
		addr:          addr,
		dial:          dial,
		opts:          opts,
		state:         StateDisconnected,
		autoReconnect: true,
		incoming:      make(chan []byte, incomingBuffer),
		errors:        make(chan error, errorsBuffer),
		stateChange:   make(chan ConnectionStateUpdate, stateBuffer),
		limiter:       limiter,
		shutdown:      make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetMetrics attaches Prometheus collectors
func (c *Connection) SetMetrics(m *Metrics) {
	c.metrics = m
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// EnableAutoReconnect re-enables automatic reconnection
func (c *Connection) EnableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = true
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf("[conn] "+format, args...)
	}
}

// Connect opens the channel. If the first attempt fails and auto-reconnect
// is enabled, the backoff loop keeps trying in the background; the error
// of the first attempt is still returned.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state != StateDisconnected || c.reconnecting {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot connect: already %s", state)
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)

	err := c.attempt(ctx, 0)
	if err == nil || errors.Is(err, errAttemptAbandoned) {
		return err
	}

	c.mu.RLock()
	auto := c.autoReconnect
	c.mu.RUnlock()
	if auto {
		c.startReconnect()
	}
	return err
}

// attempt makes one connect attempt: disconnected -> connecting -> connected,
// or connecting -> disconnected with the failure attached.
func (c *Connection) attempt(ctx context.Context, attempt int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	gen := c.generation
	c.state = StateConnecting
	c.mu.Unlock()

	c.emit(ConnectionStateUpdate{State: StateConnecting, Attempt: attempt})

	t, err := c.dial(ctx)

	c.mu.Lock()
	if gen != c.generation || c.closed {
		// Disconnect or Close happened while dialing
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return errAttemptAbandoned
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()

		terr := &TransportError{Op: "dial", Err: err}
		c.logf("Connect attempt %d to %s failed: %v", attempt, c.addr, err)
		c.reportError(terr)
		c.emit(ConnectionStateUpdate{State: StateDisconnected, Attempt: attempt, Err: terr})
		return terr
	}

	epoch := uuid.NewString()
	done := make(chan struct{})
	out := make(chan []byte, outgoingBuffer)

	c.transport = t
	c.state = StateConnected
	c.epoch = epoch
	c.done = done
	c.outgoing = out
	c.reconnecting = false
	cancel := c.reconnectCancel
	c.reconnectCancel = nil
	c.wg.Add(3)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.logf("Connected to %s (epoch %s)", c.addr, epoch)
	c.emit(ConnectionStateUpdate{State: StateConnected, Attempt: attempt, Epoch: epoch})

	go c.readLoop(t, done, gen)
	go c.writeLoop(t, done, out, gen)
	go c.pingLoop(done)

	return nil
}

// Disconnect closes the channel, cancels any pending reconnect, and does not
// reconnect. Connect may be called again afterwards.
func (c *Connection) Disconnect() {
	c.disconnectWithReason(DisconnectUserRequested)
}

func (c *Connection) disconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	prev := c.state
	cancel := c.reconnectCancel
	wasReconnecting := c.reconnecting
	c.reconnectCancel = nil
	c.reconnecting = false
	stale := c.abandonLocked(reason)
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if cancel != nil {
		cancel()
	}

	if prev != StateDisconnected || wasReconnecting {
		c.logf("Disconnecting from %s (reason: %v)", c.addr, reason)
		c.emit(ConnectionStateUpdate{State: StateDisconnected})
	}
}

// abandonLocked tears down the current channel. Caller holds c.mu and must
// close the returned transport after releasing it: a websocket close waits
// on an in-flight write.
func (c *Connection) abandonLocked(reason DisconnectReason) Transport {
	c.generation++
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	t := c.transport
	c.transport = nil
	c.outgoing = nil
	c.epoch = ""
	c.state = StateDisconnected
	c.lastDisconnectReason = reason
	return t
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return // Already closed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
	c.logf("Connection fully closed")
}

// Send encodes msg and queues it on the current channel
func (c *Connection) Send(msg *protocol.WSMessage) error {
	return c.send(msg, "", false)
}

// SendInEpoch queues msg only while epoch is still the current channel.
// A frame meant for a channel that has since been replaced returns
// ErrNotConnected instead of landing on its successor.
func (c *Connection) SendInEpoch(epoch string, msg *protocol.WSMessage) error {
	return c.send(msg, epoch, true)
}

func (c *Connection) send(msg *protocol.WSMessage, epoch string, checkEpoch bool) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	out := c.outgoing
	done := c.done
	connected := c.state == StateConnected
	current := c.epoch
	c.mu.RUnlock()

	if !connected || out == nil {
		return ErrNotConnected
	}
	if checkEpoch && epoch != current {
		return ErrNotConnected
	}

	select {
	case out <- data:
		c.metrics.RecordFrameSent(msg.Type)
		return nil
	case <-done:
		return ErrNotConnected
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
		return ErrQueueFull
	}
}

// Incoming returns the channel of raw inbound frames
func (c *Connection) Incoming() <-chan []byte {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Epoch returns the id of the current connection, or "" when disconnected
func (c *Connection) Epoch() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// LastDisconnectReason reports why the previous channel was lost
func (c *Connection) LastDisconnectReason() DisconnectReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDisconnectReason
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// readLoop reads frames from the transport until it fails or is abandoned
func (c *Connection) readLoop(t Transport, done chan struct{}, gen uint64) {
	defer c.wg.Done()

	for {
		data, err := t.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
				c.handleDisconnect(gen, DisconnectServerDown, &TransportError{Op: "read", Err: err})
				return
			}
			c.handleDisconnect(gen, DisconnectError, &TransportError{Op: "read", Err: err})
			return
		}

		select {
		case c.incoming <- data:
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued frames, paced by the rate limiter
func (c *Connection) writeLoop(t Transport, done chan struct{}, out chan []byte, gen uint64) {
	defer c.wg.Done()

	for {
		select {
		case data := <-out:
			c.limiter.Take()
			if err := t.WriteFrame(data); err != nil {
				c.logf("Write error: %v", err)
				c.handleDisconnect(gen, DisconnectError, &TransportError{Op: "write", Err: err})
				return
			}
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// pingLoop queues a keep-alive ping every PingInterval while connected
func (c *Connection) pingLoop(done chan struct{}) {
	defer c.wg.Done()

	if c.opts.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(protocol.NewPing()); err != nil {
				c.logf("Ping not sent: %v", err)
			}
		case <-done:
			return
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles unexpected loss of the channel from generation gen
func (c *Connection) handleDisconnect(gen uint64, reason DisconnectReason, err error) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConnected {
		// Already abandoned (Disconnect, Close, or the other loop got here first)
		c.mu.Unlock()
		return
	}
	stale := c.abandonLocked(reason)
	auto := c.autoReconnect && !c.closed
	c.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	c.logf("Disconnected from server (reason: %v): %v", reason, err)
	c.reportError(err)
	c.emit(ConnectionStateUpdate{State: StateDisconnected, Err: err})

	if auto {
		c.startReconnect()
	}
}

// startReconnect launches the backoff loop unless one is already running
func (c *Connection) startReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnecting = true
	c.reconnectCancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop(ctx)
}

// newBackOff builds the reconnect delay sequence: exponential, randomized by
// ReconnectJitter, never above ReconnectMax, never giving up on its own.
func (c *Connection) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.RandomizationFactor = c.opts.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &cappedBackOff{BackOff: b, max: c.opts.ReconnectMax}
}

// cappedBackOff clamps delays to max. ExponentialBackOff caps the interval
// before randomizing it, so on its own a delay can reach max*(1+jitter).
type cappedBackOff struct {
	backoff.BackOff
	max time.Duration
}

func (b *cappedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()

	b := c.newBackOff()

	for attempt := 1; ; attempt++ {
		if max := c.opts.MaxReconnectAttempts; max > 0 && attempt > max {
			c.logf("Giving up after %d reconnect attempts", max)
			c.mu.Lock()
			c.reconnecting = false
			cancel := c.reconnectCancel
			c.reconnectCancel = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			c.emit(ConnectionStateUpdate{State: StateDisconnected, Attempt: attempt - 1, Err: ErrRetriesExhausted})
			return
		}

		delay := b.NextBackOff()
		c.logf("Reconnect attempt %d to %s in %v", attempt, c.addr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logf("Reconnect loop cancelled")
			return
		case <-c.shutdown:
			timer.Stop()
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-timer.C:
		}

		c.metrics.RecordReconnectAttempt()
		err := c.attempt(ctx, attempt)
		if err == nil {
			c.logf("Reconnected successfully after %d attempts", attempt)
			return
		}
		if errors.Is(err, errAttemptAbandoned) || errors.Is(err, ErrConnectionClosed) {
			return
		}
	}
}

// reportError forwards err to Errors() without blocking
func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		c.logf("Error channel full, dropping: %v", err)
	}
}

// emit publishes a state update. Updates are never dropped; a connected
// update missing would leave subscriptions undeclared.
func (c *Connection) emit(u ConnectionStateUpdate) {
	c.metrics.SetConnectionState(u.State)
	select {
	case c.stateChange <- u:
	case <-c.shutdown:
	}
}
