package protocol

// Relay protocol types shared by the loader, the deck and the benchmark.
// Messages are JSON arrays whose first element is a tag.

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message tags.
const (
	TagReq    = "REQ"
	TagClose  = "CLOSE"
	TagEvent  = "EVENT"
	TagNotice = "NOTICE"
	TagEOSE   = "EOSE"
)

// ErrNotTuple is returned when a message is valid JSON but not a tagged array.
var ErrNotTuple = errors.New("message is not a tagged array")

// Filter is an opaque subscription filter. The loader never interprets it.
type Filter map[string]any

// Envelope is a decoded protocol tuple. Elements after the tag stay raw so
// messages can be forwarded without re-encoding.
type Envelope struct {
	Tag   string
	Elems []json.RawMessage
}

// Decode parses a message into an Envelope. It fails when the input is not
// JSON, not an array, empty, or its first element is not a string.
func Decode(data []byte) (*Envelope, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return nil, ErrNotTuple
	}

	var tag string
	if err := json.Unmarshal(elems[0], &tag); err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrNotTuple, err)
	}

	return &Envelope{Tag: tag, Elems: elems}, nil
}

// Len returns the number of elements including the tag.
func (e *Envelope) Len() int {
	return len(e.Elems)
}

// SubscriptionID returns the second element when it is a string.
func (e *Envelope) SubscriptionID() (string, bool) {
	if len(e.Elems) < 2 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(e.Elems[1], &id); err != nil {
		return "", false
	}
	return id, true
}

// EventID returns the "id" of the event object carried by an EVENT message.
// The third element must be an object whose id is a string.
func (e *Envelope) EventID() (string, bool) {
	if e.Tag != TagEvent || len(e.Elems) < 3 {
		return "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Elems[2], &obj); err != nil || obj == nil {
		return "", false
	}
	raw, ok := obj["id"]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false
	}
	return id, true
}

// Req encodes ["REQ", subID, filters...].
func Req(subID string, filters ...Filter) (string, error) {
	msg := make([]any, 0, 2+len(filters))
	msg = append(msg, TagReq, subID)
	for _, f := range filters {
		if f == nil {
			f = Filter{}
		}
		msg = append(msg, f)
	}
	return encode(msg)
}

// Close encodes ["CLOSE", subID].
func Close(subID string) string {
	s, _ := encode([]any{TagClose, subID})
	return s
}

// Notice encodes ["NOTICE", text].
func Notice(text string) string {
	s, _ := encode([]any{TagNotice, text})
	return s
}

// EOSE encodes ["EOSE", subID].
func EOSE(subID string) string {
	s, _ := encode([]any{TagEOSE, subID})
	return s
}

func encode(v []any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
