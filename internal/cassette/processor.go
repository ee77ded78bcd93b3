package cassette

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/woxQAQ/nostr-cassette/pkg/protocol"
)

// MessageProcessor turns a raw guest reply into filtered protocol messages.
// Only EVENT, NOTICE and EOSE survive, and an EVENT whose id was already
// emitted since the last REQ is dropped.
type MessageProcessor struct {
	tracker *EventTracker
	logger  *zap.Logger
	debug   bool
}

// NewMessageProcessor creates a processor that dedups through tracker.
// Dropped lines are logged at debug level only when debug is set.
func NewMessageProcessor(tracker *EventTracker, logger *zap.Logger, debug bool) *MessageProcessor {
	return &MessageProcessor{
		tracker: tracker,
		logger:  logger,
		debug:   debug,
	}
}

// Process splits and filters a guest reply.
//
// A reply without a newline is one candidate. If it is not a JSON array it is
// passed through verbatim, whether or not it parses; otherwise it is filtered
// like any other line, which can leave an empty list.
func (p *MessageProcessor) Process(raw []byte) Response {
	if bytes.IndexByte(raw, '\n') < 0 {
		if !isJSONArray(raw) {
			return SingleResponse(string(raw))
		}
		if p.keep(raw) {
			return SingleResponse(string(raw))
		}
		return ListResponse([]string{})
	}

	lines := bytes.Split(raw, []byte{'\n'})
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if p.keep(line) {
			out = append(out, string(line))
		}
	}
	return ListResponse(out)
}

func (p *MessageProcessor) keep(line []byte) bool {
	env, err := protocol.Decode(line)
	if err != nil {
		p.drop(&MalformedMessageError{Line: string(line), Reason: "not a protocol tuple", Err: err})
		return false
	}
	if env.Len() < 2 {
		p.drop(&MalformedMessageError{Line: string(line), Reason: "fewer than two elements"})
		return false
	}

	switch env.Tag {
	case protocol.TagNotice, protocol.TagEOSE:
		return true
	case protocol.TagEvent:
		id, ok := env.EventID()
		if !ok {
			return true
		}
		if !p.tracker.AddAndCheck(id) {
			if p.debug {
				p.logger.Debug("Dropping duplicate event", zap.String("event_id", id))
			}
			return false
		}
		return true
	default:
		p.drop(&MalformedMessageError{Line: string(line), Reason: "unsupported tag " + env.Tag})
		return false
	}
}

func (p *MessageProcessor) drop(err *MalformedMessageError) {
	if p.debug {
		p.logger.Debug("Dropping guest message", zap.Error(err))
	}
}

func isJSONArray(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '[' && json.Valid(b)
}
