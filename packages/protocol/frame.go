package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/testhub/packages/codec"
	"github.com/tidwall/gjson"
)

// eventPacketPrefix is the Socket.IO packet type for an event message.
const eventPacketPrefix = "42"

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrNotEventFrame = errors.New("frame is not an event array")
	ErrMissingEvent  = errors.New("frame has no event name")
)

// Frame is a single event message: a name plus its ordered arguments.
type Frame struct {
	Event string
	Args  []any
}

// ParseFrame decodes one inbound text message. Failures are always returned as
// *codec.ProtocolDecodeError.
func ParseFrame(data []byte) (Frame, error) {
	text := strings.TrimSpace(string(data))
	raw := text
	if strings.HasPrefix(text, eventPacketPrefix) {
		text = strings.TrimLeft(text[len(eventPacketPrefix):], "0123456789")
	}
	if text == "" {
		return Frame{}, &codec.ProtocolDecodeError{Payload: raw, Err: ErrEmptyFrame}
	}
	if !gjson.Valid(text) {
		return Frame{}, &codec.ProtocolDecodeError{Payload: raw, Err: errors.New("invalid json")}
	}

	parsed := gjson.Parse(text)
	if !parsed.IsArray() {
		return Frame{}, &codec.ProtocolDecodeError{Payload: raw, Err: ErrNotEventFrame}
	}
	event := parsed.Get("0")
	if event.Type != gjson.String || event.Str == "" {
		return Frame{}, &codec.ProtocolDecodeError{Payload: raw, Err: ErrMissingEvent}
	}

	decoded, err := codec.Decode(text)
	if err != nil {
		return Frame{}, err
	}
	list := decoded.([]any)
	return Frame{Event: event.Str, Args: list[1:]}, nil
}

// FormatFrame encodes an outbound event. The event name and arguments are
// encoded together so references shared between arguments are only written once.
func FormatFrame(event string, args ...any) ([]byte, error) {
	if event == "" {
		return nil, ErrMissingEvent
	}
	list := make([]any, 0, len(args)+1)
	list = append(list, event)
	list = append(list, args...)
	text, err := codec.Encode(list)
	if err != nil {
		return nil, fmt.Errorf("format %s: %w", event, err)
	}
	return []byte(text), nil
}
