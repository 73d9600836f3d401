package message

// Validator messages. The strings are part of the protocol surface:
// clients match on them, so they must not change.
const (
	MsgMessageIDMissed    = "'messageId' field missed"
	MsgTypeMissed         = "'type' field missed"
	MsgPayloadMissed      = "'payload' field missed"
	MsgMessageIDNotString = "'messageId' should be a string"
	MsgTypeNotString      = "'type' should be a string"
	MsgPayloadNotObject   = "'payload' should be an object"
	MsgInvalidMessageID   = "Invalid message id"
	MsgInvalidFileID      = "Invalid file id"
	MsgUnsupportedData    = "Unsupported data"
)

// ParseError is the critical kind: the frame is not parseable at all and
// the connection carrying it must close with 1003.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return e.Reason
}

// FormatError is the recoverable kind: the frame parsed but its shape is
// wrong. The server answers with a single error message and keeps the
// connection.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return e.Reason
}
