package protocol

import (
	"time"
)

// Frame types exchanged over the duplex channel. Every frame is one JSON
// object whose "type" field selects the payload shape.
const (
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypePing           = "ping"
	TypeMessageDeleted = "message_deleted"
	TypeMessageEdited  = "message_edited"
	TypeDebugMode      = "debug_mode"
)

// KnownTypes lists every frame type the decoder accepts, in wire-table order.
var KnownTypes = []string{
	TypeSubscribe,
	TypeUnsubscribe,
	TypeMessage,
	TypeMessageEdited,
	TypeMessageDeleted,
	TypeTyping,
	TypePing,
	TypeDebugMode,
}

// IsKnownType reports whether t is part of the wire vocabulary
func IsKnownType(t string) bool {
	for _, known := range KnownTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Attachment describes a file uploaded alongside a message
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"originalName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Message is a chat message as returned by the history endpoint and carried
// by "message" frames. ID is assigned by the server and is stable across
// both transports.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	UserID      string       `json:"userId"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	ParentID    *string      `json:"parentId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// IsReply reports whether the message belongs to a thread rather than the
// top-level channel view.
func (m Message) IsReply() bool {
	return m.ParentID != nil && *m.ParentID != ""
}

// WSMessage is the discriminated union sent in both directions. Only the
// fields required by Type are meaningful; see Validate.
type WSMessage struct {
	Type      string   `json:"type"`
	ChannelID string   `json:"channelId,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

// NewSubscribe builds a subscribe declaration for a channel
func NewSubscribe(channelID string) *WSMessage {
	return &WSMessage{Type: TypeSubscribe, ChannelID: channelID}
}

// NewUnsubscribe builds an unsubscribe declaration for a channel
func NewUnsubscribe(channelID string) *WSMessage {
	return &WSMessage{Type: TypeUnsubscribe, ChannelID: channelID}
}

// NewPing builds a keep-alive frame
func NewPing() *WSMessage {
	return &WSMessage{Type: TypePing}
}

// NewMessageEvent builds a "message" frame carrying msg
func NewMessageEvent(msg Message) *WSMessage {
	return &WSMessage{Type: TypeMessage, ChannelID: msg.ChannelID, Message: &msg}
}

// NewMessageEdited builds a "message_edited" frame
func NewMessageEdited(messageID string, update Message) *WSMessage {
	return &WSMessage{Type: TypeMessageEdited, MessageID: messageID, Message: &update}
}

// NewMessageDeleted builds a "message_deleted" frame
func NewMessageDeleted(messageID string) *WSMessage {
	return &WSMessage{Type: TypeMessageDeleted, MessageID: messageID}
}

// NewTyping builds a typing-indicator toggle
func NewTyping(channelID, userID string, enabled bool) *WSMessage {
	return &WSMessage{Type: TypeTyping, ChannelID: channelID, UserID: userID, Enabled: &enabled}
}

// NewDebugMode builds a diagnostics toggle
func NewDebugMode(enabled bool) *WSMessage {
	return &WSMessage{Type: TypeDebugMode, Enabled: &enabled}
}

// Validate checks that the fields required by Type are present.
// Returns a *DecodeError describing the first problem found.
func (m *WSMessage) Validate() error {
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if m.ChannelID == "" {
			return missingField(m.Type, "channelId")
		}
	case TypeMessage:
		if m.ChannelID == "" {
			return missingField(m.Type, "channelId")
		}
		if m.Message == nil {
			return missingField(m.Type, "message")
		}
		if m.Message.ID == "" {
			return missingField(m.Type, "message.id")
		}
	case TypeMessageEdited:
		if m.MessageID == "" {
			return missingField(m.Type, "messageId")
		}
		if m.Message == nil {
			return missingField(m.Type, "message")
		}
	case TypeMessageDeleted:
		if m.MessageID == "" {
			return missingField(m.Type, "messageId")
		}
	case TypeTyping:
		if m.ChannelID == "" {
			return missingField(m.Type, "channelId")
		}
		if m.Enabled == nil {
			return missingField(m.Type, "enabled")
		}
	case TypeDebugMode:
		if m.Enabled == nil {
			return missingField(m.Type, "enabled")
		}
	case TypePing:
		// no payload
	default:
		return &DecodeError{Type: m.Type, Err: ErrUnknownType}
	}
	return nil
}

// IsEnabled returns the boolean payload, treating an absent flag as false
func (m *WSMessage) IsEnabled() bool {
	return m.Enabled != nil && *m.Enabled
}
