package client

import (
	"context"
	"errors"
	"log"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// SessionConfig wires a Session to its collaborators. Only History is
// required for Bootstrap; everything else is optional.
type SessionConfig struct {
	LocalUserID string
	History     HistoryFetcher
	Typing      TypingSink
	Diagnostics DiagnosticsSink
	State       StateInterface
	Metrics     *Metrics
	Logger      *log.Logger
}

// ChannelUpdate is what a channel observer receives: the merged sequence
// plus the read-position state derived from it.
type ChannelUpdate struct {
	ChannelID     string
	Messages      []protocol.Message
	UnreadCount   int
	PendingScroll bool
}

// ChannelObserver is called on the session loop; it must not call back into
// blocking Session methods.
type ChannelObserver func(ChannelUpdate)

// ConnectionObserver is called on the session loop for every state update
type ConnectionObserver func(ConnectionStateUpdate)

type channelObserverEntry struct {
	id uint64
	fn ChannelObserver
}

// Session runs the synchronization core on a single event loop. Inbound
// frames, connection updates and caller requests are all serialized through
// Run, so the registry, dispatcher, store and trackers never see concurrent
// mutation.
type Session struct {
	conn ConnectionInterface
	cfg  SessionConfig

	registry   *SubscriptionRegistry
	dispatcher *EventDispatcher
	store      *MessageStore

	trackers      map[string]*ReadPositionTracker
	storeCancels  map[string]func()
	observers     map[string][]channelObserverEntry
	connObservers []ConnectionObserver
	bootstrapping map[string]bool
	nextObs       uint64

	calls   chan func()
	stopped chan struct{}
	verbose bool

	logger *log.Logger
}

// NewSession wires the core components around conn
func NewSession(conn ConnectionInterface, cfg SessionConfig) *Session {
	s := &Session{
		conn:          conn,
		cfg:           cfg,
		store:         NewMessageStore(),
		trackers:      make(map[string]*ReadPositionTracker),
		storeCancels:  make(map[string]func()),
		observers:     make(map[string][]channelObserverEntry),
		bootstrapping: make(map[string]bool),
		calls:         make(chan func()),
		stopped:       make(chan struct{}),
		logger:        cfg.Logger,
	}

	s.registry = NewSubscriptionRegistry(conn)
	s.registry.SetLogger(cfg.Logger)

	s.store.SetLogger(cfg.Logger)
	s.store.SetMetrics(cfg.Metrics)

	s.dispatcher = NewEventDispatcher(s.store, s.registry.IsDesired)
	s.dispatcher.SetLogger(cfg.Logger)
	s.dispatcher.SetMetrics(cfg.Metrics)
	s.dispatcher.SetTypingSink(cfg.Typing)
	s.dispatcher.SetDiagnosticsSink(diagnosticsFunc(s.setDebug))

	return s
}

type diagnosticsFunc func(enabled bool)

func (f diagnosticsFunc) SetDebug(enabled bool) { f(enabled) }

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Session) setDebug(enabled bool) {
	s.verbose = enabled
	s.dispatcher.SetVerbose(enabled)
	if s.cfg.Diagnostics != nil {
		s.cfg.Diagnostics.SetDebug(enabled)
	}
}

// Verbose reports whether the server switched on debug mode. Only safe to
// call from an observer.
func (s *Session) Verbose() bool {
	return s.verbose
}

// Run is the session's event loop. It returns when ctx is cancelled or the
// connection's channels are closed. All Session methods taking a context
// block until Run picks them up.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	incoming := s.conn.Incoming()
	states := s.conn.StateChanges()
	errs := s.conn.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-incoming:
			if !ok {
				s.logf("Connection closed, session loop exiting")
				return nil
			}
			// Decode failures are logged and counted by the dispatcher
			_ = s.dispatcher.HandleFrame(data)

		case update, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.handleState(update)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logf("Transport error: %v", err)

		case fn := <-s.calls:
			fn()
		}
	}
}

func (s *Session) handleState(update ConnectionStateUpdate) {
	switch update.State {
	case StateConnected:
		s.registry.OnReconnected(update.Epoch)
	case StateDisconnected:
		s.registry.OnDisconnected()
		if errors.Is(update.Err, ErrRetriesExhausted) {
			s.logf("Giving up on reconnecting: %v", update.Err)
		}
	}

	for _, fn := range s.connObservers {
		fn(update)
	}
}

// exec runs fn on the loop and waits for it to finish
func (s *Session) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		fn()
	}

	select {
	case s.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrSessionStopped
	}

	// Once accepted, the loop runs the call to completion
	<-done
	return nil
}

// SetDesiredChannels replaces the set of channels the view displays.
// Channels that are no longer desired are torn down: their messages,
// trackers and observers are dropped and in-flight events for them are
// ignored.
func (s *Session) SetDesiredChannels(ctx context.Context, ids []string) (added, removed []string, err error) {
	err = s.exec(ctx, func() {
		added, removed = s.registry.SetDesiredChannels(ids)
		for _, id := range removed {
			s.teardown(id)
		}
		for _, id := range added {
			s.ensureChannel(id)
		}
	})
	return added, removed, err
}

func (s *Session) ensureChannel(channelID string) {
	if _, ok := s.trackers[channelID]; ok {
		return
	}

	tracker := NewReadPositionTracker(s.cfg.LocalUserID)
	tracker.OnReset(func(newestID string) {
		s.saveReadPosition(channelID, newestID)
	})
	s.trackers[channelID] = tracker

	s.storeCancels[channelID] = s.store.Observe(channelID, func(ch string, msgs []protocol.Message) {
		if s.bootstrapping[ch] {
			return
		}
		tracker.Observe(msgs)
		s.publish(ch, msgs)
	})
}

func (s *Session) teardown(channelID string) {
	if cancel, ok := s.storeCancels[channelID]; ok {
		cancel()
		delete(s.storeCancels, channelID)
	}
	s.store.Drop(channelID)
	delete(s.trackers, channelID)
	delete(s.observers, channelID)
	delete(s.bootstrapping, channelID)
}

func (s *Session) saveReadPosition(channelID, messageID string) {
	if s.cfg.State == nil {
		return
	}
	if err := s.cfg.State.UpdateReadPosition(channelID, messageID); err != nil {
		s.logf("Failed to save read position for %s: %v", channelID, err)
	}
}

func (s *Session) publish(channelID string, msgs []protocol.Message) {
	observers := s.observers[channelID]
	if len(observers) == 0 {
		return
	}
	update := ChannelUpdate{ChannelID: channelID, Messages: msgs}
	if tracker, ok := s.trackers[channelID]; ok {
		update.UnreadCount = tracker.UnreadCount()
		update.PendingScroll = tracker.PendingScroll()
	}
	for _, o := range append([]channelObserverEntry(nil), observers...) {
		o.fn(update)
	}
}

// Bootstrap fetches the history of channelID and merges it into the store.
// The fetch runs on the caller's goroutine, so the loop keeps dispatching
// while it is in flight. A failed fetch returns a *BootstrapFetchError and
// is not retried.
func (s *Session) Bootstrap(ctx context.Context, channelID string) error {
	if s.cfg.History == nil {
		return &BootstrapFetchError{ChannelID: channelID, Err: errors.New("no history source configured")}
	}

	history, err := s.cfg.History.FetchHistory(ctx, channelID)
	if err != nil {
		return &BootstrapFetchError{ChannelID: channelID, Err: err}
	}

	return s.exec(ctx, func() {
		tracker, ok := s.trackers[channelID]
		if !ok {
			s.logf("Discarding history for %s: channel no longer displayed", channelID)
			return
		}

		s.bootstrapping[channelID] = true
		s.store.Bootstrap(channelID, history)
		delete(s.bootstrapping, channelID)

		msgs := s.store.Messages(channelID)
		tracker.Prime(msgs, s.unreadSinceSaved(channelID, msgs))
		s.publish(channelID, msgs)
	})
}

// unreadSinceSaved counts messages after the saved read position. A channel
// never read, or whose saved message is no longer in view, counts as read.
func (s *Session) unreadSinceSaved(channelID string, msgs []protocol.Message) int {
	if s.cfg.State == nil {
		return 0
	}
	saved, err := s.cfg.State.GetReadPosition(channelID)
	if err != nil {
		s.logf("Failed to load read position for %s: %v", channelID, err)
		return 0
	}
	if saved == "" {
		return 0
	}
	for i, msg := range msgs {
		if msg.ID == saved {
			return len(msgs) - 1 - i
		}
	}
	return 0
}

// Observe registers fn for updates to channelID. The returned cancel
// function waits for the loop, so it must not be called from an observer.
// It is safe to call after the channel was torn down.
func (s *Session) Observe(ctx context.Context, channelID string, fn ChannelObserver) (cancel func(), err error) {
	var id uint64
	err = s.exec(ctx, func() {
		s.nextObs++
		id = s.nextObs
		s.observers[channelID] = append(s.observers[channelID], channelObserverEntry{id: id, fn: fn})
	})
	if err != nil {
		return func() {}, err
	}

	return func() {
		_ = s.exec(context.Background(), func() {
			entries := s.observers[channelID]
			for i, o := range entries {
				if o.id == id {
					s.observers[channelID] = append(entries[:i], entries[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// ObserveConnection registers fn for connection state updates
func (s *Session) ObserveConnection(ctx context.Context, fn ConnectionObserver) error {
	return s.exec(ctx, func() {
		s.connObservers = append(s.connObservers, fn)
	})
}

// Messages returns the merged sequence for channelID
func (s *Session) Messages(ctx context.Context, channelID string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	err := s.exec(ctx, func() {
		msgs = s.store.Messages(channelID)
	})
	return msgs, err
}

// SetLastVisible feeds the viewport signal: whether the newest rendered
// message of channelID is on screen.
func (s *Session) SetLastVisible(ctx context.Context, channelID string, visible bool) error {
	return s.exec(ctx, func() {
		if tracker, ok := s.trackers[channelID]; ok {
			tracker.SetLastVisible(visible)
		}
	})
}

// ScrollToBottom is the user's "jump to latest" action
func (s *Session) ScrollToBottom(ctx context.Context, channelID string) error {
	return s.exec(ctx, func() {
		tracker, ok := s.trackers[channelID]
		if !ok {
			return
		}
		tracker.ScrollToBottom()
		s.publish(channelID, s.store.Messages(channelID))
	})
}

// ReadPosition returns the unread count and pending-scroll flag for channelID
func (s *Session) ReadPosition(ctx context.Context, channelID string) (unread int, pendingScroll bool, err error) {
	err = s.exec(ctx, func() {
		if tracker, ok := s.trackers[channelID]; ok {
			unread = tracker.UnreadCount()
			pendingScroll = tracker.PendingScroll()
		}
	})
	return unread, pendingScroll, err
}

// ConsumeScroll returns and clears the pending-scroll flag for channelID
func (s *Session) ConsumeScroll(ctx context.Context, channelID string) (bool, error) {
	var pending bool
	err := s.exec(ctx, func() {
		if tracker, ok := s.trackers[channelID]; ok {
			pending = tracker.ConsumeScroll()
		}
	})
	return pending, err
}

// DesiredChannels returns the displayed channels in declaration order
func (s *Session) DesiredChannels(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.exec(ctx, func() {
		ids = s.registry.Desired()
	})
	return ids, err
}

// Connected reports whether the underlying connection is up
func (s *Session) Connected() bool {
	return s.conn.IsConnected()
}
