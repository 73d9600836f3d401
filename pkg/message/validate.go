package message

import (
	"bytes"
	"encoding/json"

	"github.com/codex-team/ctproto/internal/common/idgen"
)

// ValidateText checks an inbound text frame against the NewMessage shape:
// a JSON object with string messageId, string type and object payload.
// Frames that are not JSON objects at all yield a ParseError; shape
// violations yield a FormatError naming the offending field.
func ValidateText(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ParseError{Reason: MsgUnsupportedData}
	}

	rawID, ok := fields["messageId"]
	if !ok {
		return nil, &FormatError{Reason: MsgMessageIDMissed}
	}
	var messageID string
	if err := json.Unmarshal(rawID, &messageID); err != nil {
		return nil, &FormatError{Reason: MsgMessageIDNotString}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &FormatError{Reason: MsgTypeMissed}
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, &FormatError{Reason: MsgTypeNotString}
	}

	rawPayload, ok := fields["payload"]
	if !ok {
		return nil, &FormatError{Reason: MsgPayloadMissed}
	}
	if !isJSONObject(rawPayload) {
		return nil, &FormatError{Reason: MsgPayloadNotObject}
	}

	if !idgen.Valid(messageID) {
		return nil, &FormatError{Reason: MsgInvalidMessageID}
	}

	return &Envelope{
		MessageID: messageID,
		Type:      msgType,
		Payload:   rawPayload,
	}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
