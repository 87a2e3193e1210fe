package client

import (
	"log"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// EventDispatcher decodes inbound frames and routes each one to its handler.
// Frames are handled one at a time in the order they are passed in.
// Frames that do not decode are logged and dropped; nothing partial reaches
// the store.
type EventDispatcher struct {
	store       *MessageStore
	accept      func(channelID string) bool
	typing      TypingSink
	diagnostics DiagnosticsSink

	verbose bool
	metrics *Metrics
	logger  *log.Logger
}

// NewEventDispatcher creates a dispatcher feeding store. accept decides
// whether channel-scoped events are still wanted; nil accepts everything.
func NewEventDispatcher(store *MessageStore, accept func(channelID string) bool) *EventDispatcher {
	if accept == nil {
		accept = func(string) bool { return true }
	}
	return &EventDispatcher{
		store:  store,
		accept: accept,
	}
}

// SetLogger sets a logger for dispatch events
func (d *EventDispatcher) SetLogger(logger *log.Logger) {
	d.logger = logger
}

// SetMetrics attaches frame counters
func (d *EventDispatcher) SetMetrics(m *Metrics) {
	d.metrics = m
}

// SetTypingSink sets the collaborator that receives typing toggles
func (d *EventDispatcher) SetTypingSink(sink TypingSink) {
	d.typing = sink
}

// SetDiagnosticsSink sets the collaborator that receives debug-mode toggles
func (d *EventDispatcher) SetDiagnosticsSink(sink DiagnosticsSink) {
	d.diagnostics = sink
}

// SetVerbose enables per-frame logging
func (d *EventDispatcher) SetVerbose(verbose bool) {
	d.verbose = verbose
}

func (d *EventDispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf("[dispatch] "+format, args...)
	}
}

func (d *EventDispatcher) debugf(format string, args ...interface{}) {
	if d.verbose {
		d.logf(format, args...)
	}
}

// HandleFrame decodes one raw frame and dispatches it. A frame that fails
// to decode is dropped and its *protocol.DecodeError returned for
// inspection; callers are expected to carry on.
func (d *EventDispatcher) HandleFrame(data []byte) error {
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		d.metrics.RecordFrameDropped()
		d.logf("Dropping frame (%d bytes): %v", len(data), err)
		return err
	}
	d.Dispatch(msg)
	return nil
}

// Dispatch routes an already-decoded frame
func (d *EventDispatcher) Dispatch(msg *protocol.WSMessage) {
	d.metrics.RecordFrameReceived(msg.Type)

	switch msg.Type {
	case protocol.TypeMessage:
		if !d.accept(msg.Message.ChannelID) {
			d.debugf("Ignoring message %s for unsubscribed channel %s", msg.Message.ID, msg.Message.ChannelID)
			return
		}
		if d.store.Append(*msg.Message) {
			d.debugf("Appended message %s to channel %s", msg.Message.ID, msg.Message.ChannelID)
		}

	case protocol.TypeMessageEdited:
		if !d.store.Edit(msg.MessageID, *msg.Message) {
			d.debugf("Edit for unknown message %s ignored", msg.MessageID)
		}

	case protocol.TypeMessageDeleted:
		if !d.store.Delete(msg.MessageID) {
			d.debugf("Delete for unknown message %s ignored", msg.MessageID)
		}

	case protocol.TypeTyping:
		if !d.accept(msg.ChannelID) {
			return
		}
		if d.typing != nil {
			d.typing.SetTyping(msg.ChannelID, msg.UserID, msg.IsEnabled())
		}

	case protocol.TypeDebugMode:
		d.logf("Debug mode %v requested by server", msg.IsEnabled())
		if d.diagnostics != nil {
			d.diagnostics.SetDebug(msg.IsEnabled())
		}

	case protocol.TypePing, protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		d.debugf("Ignoring %s frame", msg.Type)

	default:
		// DecodeFrame only yields known types
		d.logf("No handler for frame type %q", msg.Type)
	}
}
