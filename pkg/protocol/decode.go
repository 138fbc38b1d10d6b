package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrProtocol matches every *Error via errors.Is.
var ErrProtocol = errors.New("protocol error")

const maxPayloadInError = 256

// Error reports an inbound payload that could not be decoded.
type Error struct {
	Reason  string
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *Error) Is(target error) bool { return target == ErrProtocol }

func (e *Error) Unwrap() error { return e.Err }

func protocolError(payload []byte, err error, format string, args ...any) *Error {
	p := payload
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError]
	}
	return &Error{
		Reason:  fmt.Sprintf(format, args...),
		Payload: append([]byte(nil), p...),
		Err:     err,
	}
}

// Decode parses one server frame of the form {"type": ..., "data": ...}.
func Decode(payload []byte) (Frame, error) {
	if !gjson.ValidBytes(payload) {
		return nil, protocolError(payload, nil, "invalid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, protocolError(payload, nil, "frame is not an object")
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, protocolError(payload, nil, "missing frame type")
	}
	data := root.Get("data")

	switch FrameType(typ.Str) {
	case TypeNewMessage:
		msg, err := decodeMessage(data)
		if err != nil {
			return nil, protocolError(payload, err, "bad %s", typ.Str)
		}
		return NewMessage{Message: msg}, nil

	case TypeUpdatedMessage:
		msg, err := decodeMessage(data)
		if err != nil {
			return nil, protocolError(payload, err, "bad %s", typ.Str)
		}
		return UpdatedMessage{Message: msg}, nil

	case TypeDeletedMessage:
		id := data.Get("id")
		if !data.IsObject() || id.Type != gjson.String || id.Str == "" {
			return nil, protocolError(payload, nil, "bad %s: missing id", typ.Str)
		}
		return DeletedMessage{ID: id.Str}, nil

	case TypeAllMessages:
		if !data.IsArray() {
			return nil, protocolError(payload, nil, "bad %s: data is not a list", typ.Str)
		}
		items := data.Array()
		msgs := make([]WireMessage, 0, len(items))
		for i, item := range items {
			msg, err := decodeMessage(item)
			if err != nil {
				return nil, protocolError(payload, err, "bad %s: item %d", typ.Str, i)
			}
			msgs = append(msgs, msg)
		}
		return AllMessages{Messages: msgs}, nil

	case TypeContacts:
		return Contacts{Raw: json.RawMessage(data.Raw)}, nil

	case TypeError:
		if data.Type == gjson.String {
			return ServerError{Message: data.Str}, nil
		}
		return ServerError{Message: data.Get("message").String()}, nil

	default:
		return nil, protocolError(payload, nil, "unknown frame type %q", typ.Str)
	}
}

func decodeMessage(r gjson.Result) (WireMessage, error) {
	var msg WireMessage
	if !r.IsObject() {
		return msg, errors.New("message is not an object")
	}
	if err := json.Unmarshal([]byte(r.Raw), &msg); err != nil {
		return msg, err
	}
	if msg.ID == "" {
		return msg, errors.New("message id is required")
	}
	if msg.SenderID == "" {
		return msg, errors.New("sender_id is required")
	}
	if msg.Attachments == nil {
		msg.Attachments = []string{}
	}
	return msg, nil
}
