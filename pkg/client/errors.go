package client

import "errors"

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client is closed")

	// ErrReconnectExhausted is returned to every waiting call after the
	// reconnect attempt budget runs out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrChunkAckTimeout is returned when a chunk stays unacknowledged
	// past its retry budget; the upload job is removed.
	ErrChunkAckTimeout = errors.New("chunk acknowledgement timed out")

	// ErrAckMismatch is returned when a chunk acknowledgement names a
	// different file or chunk than the one in flight.
	ErrAckMismatch = errors.New("chunk acknowledgement mismatch")

	// ErrEmptyFile is returned by SendFile for zero-length input.
	ErrEmptyFile = errors.New("file is empty")
)
