package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocalClose = errors.New("use of closed connection")

// fakeTransport is an in-memory Transport. closeRemote simulates the
// server hanging up.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	remote chan struct{}
	closed chan struct{}

	remoteOnce sync.Once
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		remote: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.remote:
		return nil, io.EOF
	case <-f.closed:
		return nil, errLocalClose
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	select {
	case <-f.closed:
		return errLocalClose
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errLocalClose
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) closeRemote() {
	f.remoteOnce.Do(func() { close(f.remote) })
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fresh fakeTransports, or fails while err is set
type fakeDialer struct {
	mu         sync.Mutex
	err        error
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func fastOptions() Options {
	return Options{
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		ReconnectJitter:  0,
		PingInterval:     0,
	}
}

// waitForState reads state updates until match returns true
func waitForState(t *testing.T, conn *Connection, match func(ConnectionStateUpdate) bool) ConnectionStateUpdate {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-conn.StateChanges():
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for state update")
			return ConnectionStateUpdate{}
		}
	}
}

func isState(s ConnectionState) func(ConnectionStateUpdate) bool {
	return func(u ConnectionStateUpdate) bool { return u.State == s }
}

func readFrame(t *testing.T, ft *fakeTransport) *protocol.WSMessage {
	t.Helper()
	select {
	case data := <-ft.out:
		msg, err := protocol.DecodeFrame(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing frame")
		return nil
	}
}

func TestConnectionConnectTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))

	first := <-conn.StateChanges()
	assert.Equal(t, StateConnecting, first.State)
	second := <-conn.StateChanges()
	assert.Equal(t, StateConnected, second.State)
	assert.NotEmpty(t, second.Epoch)
	assert.Equal(t, second.Epoch, conn.Epoch())
	assert.True(t, conn.IsConnected())
	assert.Equal(t, "ws://test", conn.GetAddress())
}

func TestConnectionConnectTwiceFails(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	assert.Error(t, conn.Connect(context.Background()))
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectionSendAndReceive(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()
	require.NoError(t, conn.Connect(context.Background()))
	ft := dialer.last()

	require.NoError(t, conn.Send(protocol.NewSubscribe("c1")))
	sent := readFrame(t, ft)
	assert.Equal(t, protocol.TypeSubscribe, sent.Type)
	assert.Equal(t, "c1", sent.ChannelID)

	ft.in <- []byte(`{"type":"ping"}`)
	select {
	case data := <-conn.Incoming():
		assert.JSONEq(t, `{"type":"ping"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming frame")
	}
}

func TestConnectionSendWhileDisconnected(t *testing.T) {
	conn := NewConnection("ws://test", (&fakeDialer{}).Dial, fastOptions())
	defer conn.Close()

	assert.ErrorIs(t, conn.Send(protocol.NewPing()), ErrNotConnected)
}

func TestConnectionSendRejectsInvalidFrame(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()
	require.NoError(t, conn.Connect(context.Background()))

	var decodeErr *protocol.DecodeError
	assert.ErrorAs(t, conn.Send(&protocol.WSMessage{Type: protocol.TypeSubscribe}), &decodeErr)
}

func TestConnectionReconnectsAfterServerClose(t *testing.T) {
	dialer := &fakeDialer{}
	metrics := NewMetrics(nil)
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	conn.SetMetrics(metrics)
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	firstEpoch := waitForState(t, conn, isState(StateConnected)).Epoch

	dialer.last().closeRemote()

	down := waitForState(t, conn, isState(StateDisconnected))
	var terr *TransportError
	require.ErrorAs(t, down.Err, &terr)
	assert.Equal(t, "read", terr.Op)
	assert.ErrorIs(t, down.Err, io.EOF)

	connecting := waitForState(t, conn, isState(StateConnecting))
	assert.Equal(t, 1, connecting.Attempt)

	up := waitForState(t, conn, isState(StateConnected))
	assert.NotEqual(t, firstEpoch, up.Epoch)
	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, DisconnectServerDown, conn.LastDisconnectReason())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconnectAttempts))
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(metrics.connectionState))
}

func TestConnectionReconnectsAfterFailedAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	waitForState(t, conn, isState(StateConnected))

	dialer.setErr(errors.New("connection refused"))
	dialer.last().closeRemote()
	waitForState(t, conn, isState(StateDisconnected))

	// Each failed attempt is connecting -> disconnected with the error attached
	failed := waitForState(t, conn, func(u ConnectionStateUpdate) bool {
		return u.State == StateDisconnected && u.Attempt == 2
	})
	require.Error(t, failed.Err)

	dialer.setErr(nil)
	waitForState(t, conn, isState(StateConnected))
	assert.True(t, conn.IsConnected())
}

func TestConnectionDisconnectCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.setErr(errors.New("connection refused"))
	opts := fastOptions()
	opts.ReconnectInitial = 200 * time.Millisecond
	opts.ReconnectMax = 200 * time.Millisecond
	conn := NewConnection("ws://test", dialer.Dial, opts)
	defer conn.Close()

	err := conn.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)

	conn.Disconnect()
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 1, dialer.dialCount(), "no reconnect after Disconnect")
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectionDisconnectDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	waitForState(t, conn, isState(StateConnected))
	ft := dialer.last()

	conn.Disconnect()
	waitForState(t, conn, isState(StateDisconnected))
	time.Sleep(100 * time.Millisecond)

	assert.True(t, ft.isClosed())
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, DisconnectUserRequested, conn.LastDisconnectReason())

	// Connect works again afterwards
	require.NoError(t, conn.Connect(context.Background()))
	waitForState(t, conn, isState(StateConnected))
}

func TestConnectionRetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.setErr(errors.New("connection refused"))
	opts := fastOptions()
	opts.MaxReconnectAttempts = 2
	conn := NewConnection("ws://test", dialer.Dial, opts)
	defer conn.Close()

	_ = conn.Connect(context.Background())

	final := waitForState(t, conn, func(u ConnectionStateUpdate) bool {
		return errors.Is(u.Err, ErrRetriesExhausted)
	})
	assert.Equal(t, StateDisconnected, final.State)
	assert.Equal(t, 3, dialer.dialCount())
	assert.False(t, conn.IsConnected())
}

func TestConnectionAutoReconnectDisabled(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	waitForState(t, conn, isState(StateConnected))

	dialer.last().closeRemote()
	waitForState(t, conn, isState(StateDisconnected))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectionSendsPings(t *testing.T) {
	dialer := &fakeDialer{}
	opts := fastOptions()
	opts.PingInterval = 10 * time.Millisecond
	conn := NewConnection("ws://test", dialer.Dial, opts)
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	ft := dialer.last()

	for i := 0; i < 2; i++ {
		assert.Equal(t, protocol.TypePing, readFrame(t, ft).Type)
	}
	assert.True(t, conn.IsConnected(), "pings never time out the connection")
}

func TestConnectionCloseIsFinal(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	require.NoError(t, conn.Connect(context.Background()))

	conn.Close()
	conn.Close()

	assert.ErrorIs(t, conn.Connect(context.Background()), ErrConnectionClosed)
	for range conn.StateChanges() {
	}
	_, ok := <-conn.Incoming()
	assert.False(t, ok)
}

func TestConnectionBackoffDelays(t *testing.T) {
	conn := NewConnection("ws://test", (&fakeDialer{}).Dial, Options{
		ReconnectInitial: 100 * time.Millisecond,
		ReconnectMax:     400 * time.Millisecond,
		ReconnectJitter:  0,
	})
	defer conn.Close()

	b := conn.newBackOff()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		assert.InDelta(t, float64(w), float64(b.NextBackOff()), float64(time.Millisecond), "delay %d", i)
	}
}

func TestConnectionBackoffJitterBounds(t *testing.T) {
	conn := NewConnection("ws://test", (&fakeDialer{}).Dial, Options{
		ReconnectInitial: 100 * time.Millisecond,
		ReconnectMax:     time.Second,
		ReconnectJitter:  0.5,
	})
	defer conn.Close()

	var longest time.Duration
	for run := 0; run < 50; run++ {
		b := conn.newBackOff()
		first := b.NextBackOff()
		assert.GreaterOrEqual(t, first, 50*time.Millisecond)
		assert.LessOrEqual(t, first, 150*time.Millisecond)
		for i := 0; i < 20; i++ {
			d := b.NextBackOff()
			assert.LessOrEqual(t, d, time.Second, "jitter never pushes a delay past the cap")
			if d > longest {
				longest = d
			}
		}
	}
	assert.GreaterOrEqual(t, longest, 500*time.Millisecond)
}

func TestConnectionSendInEpoch(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection("ws://test", dialer.Dial, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	first := waitForState(t, conn, isState(StateConnected))

	require.NoError(t, conn.SendInEpoch(first.Epoch, protocol.NewSubscribe("c1")))
	assert.Equal(t, "c1", readFrame(t, dialer.last()).ChannelID)

	dialer.last().closeRemote()
	second := waitForState(t, conn, isState(StateConnected))
	require.NotEqual(t, first.Epoch, second.Epoch)

	// A frame addressed to the old channel must not reach the new one
	assert.ErrorIs(t, conn.SendInEpoch(first.Epoch, protocol.NewSubscribe("c1")), ErrNotConnected)
	require.NoError(t, conn.SendInEpoch(second.Epoch, protocol.NewSubscribe("c2")))
	assert.Equal(t, "c2", readFrame(t, dialer.last()).ChannelID)
}

// slowCloseTransport blocks in Close until released, like a websocket
// close waiting behind an in-flight write
type slowCloseTransport struct {
	*fakeTransport
	closing     chan struct{}
	release     chan struct{}
	closingOnce sync.Once
}

func (s *slowCloseTransport) Close() error {
	s.closingOnce.Do(func() { close(s.closing) })
	<-s.release
	return s.fakeTransport.Close()
}

func TestConnectionDisconnectClosesTransportOutsideLock(t *testing.T) {
	st := &slowCloseTransport{
		fakeTransport: newFakeTransport(),
		closing:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	conn := NewConnection("ws://test", func(ctx context.Context) (Transport, error) {
		return st, nil
	}, fastOptions())
	defer conn.Close()

	require.NoError(t, conn.Connect(context.Background()))
	go conn.Disconnect()

	select {
	case <-st.closing:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never closed")
	}

	queried := make(chan struct{})
	go func() {
		conn.IsConnected()
		conn.State()
		_ = conn.Send(protocol.NewPing())
		close(queried)
	}()

	select {
	case <-queried:
	case <-time.After(time.Second):
		close(st.release)
		t.Fatal("connection state blocked while the transport was closing")
	}
	assert.False(t, conn.IsConnected())
	close(st.release)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "server closed", DisconnectServerDown.String())
}
