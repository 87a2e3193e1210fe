package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest inbound frame the decoder will look at (1 MB)
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (1 MB)")
	ErrMalformedFrame = errors.New("frame is not a JSON object")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMissingField   = errors.New("missing required field")
)

// DecodeError reports a frame that did not match the wire vocabulary.
// Frames failing with a DecodeError are dropped by the receiver.
type DecodeError struct {
	Type  string // frame type, if one could be read
	Field string // missing field, for ErrMissingField
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("decode %q frame: %v: %s", e.Type, e.Err, e.Field)
	case e.Type != "":
		return fmt.Sprintf("decode %q frame: %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func missingField(frameType, field string) *DecodeError {
	return &DecodeError{Type: frameType, Field: field, Err: ErrMissingField}
}

// DecodeFrame parses one inbound frame. Anything that is not a JSON object
// with a known type and that type's required fields yields a *DecodeError.
//
// A "message" frame whose embedded message has no channel id inherits the
// frame's channelId.
func DecodeFrame(data []byte) (*WSMessage, error) {
	if len(data) > MaxFrameSize {
		return nil, &DecodeError{Err: ErrFrameTooLarge}
	}

	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if msg.Type == TypeMessage && msg.Message.ChannelID == "" {
		msg.Message.ChannelID = msg.ChannelID
	}

	return &msg, nil
}

// EncodeFrame validates msg and serializes it for the wire
func EncodeFrame(msg *WSMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %q frame: %w", msg.Type, err)
	}
	return data, nil
}
