package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codex-team/ctproto/internal/common/constants"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/message"
)

// UploadRequest is a fully reassembled file handed to OnUploadMessage.
type UploadRequest struct {
	FileID  string
	Type    string
	Payload json.RawMessage
	File    []byte
}

// Options configure a protocol server.
//
// OnAuth receives the payload of the client's authorize message. Its
// return value becomes the client's auth data and is sent back as the
// authorize response; an error closes the connection with 1008.
//
// OnMessage receives every application message from an authorized client.
// A non-nil return value is sent back as the response keyed by the
// message's id. An error is logged and the message is dropped.
//
// OnUploadMessage receives every completed upload. Its return value is
// sent back keyed by the upload's file id, a nil value as an empty object.
// An error is logged and no response is sent.
type Options struct {
	Host string `validate:"omitempty,hostname|ip"`
	Port int    `validate:"required,min=1,max=65535"`
	Path string

	OnAuth          func(ctx context.Context, payload json.RawMessage) (any, error) `validate:"required"`
	OnMessage       func(ctx context.Context, env *message.Envelope) (any, error)
	OnUploadMessage func(ctx context.Context, req *UploadRequest) (any, error)

	DisableLogs bool
	Logger      *logger.Logger

	// Timer overrides; zero values take the protocol defaults
	// (3s auth wait, 15s upload idle).
	AuthTimeout       time.Duration
	UploadIdleTimeout time.Duration
}

var validate = validator.New()

func (o *Options) applyDefaults() {
	if o.Host == "" {
		o.Host = constants.DefaultHost
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = constants.AuthTimeout
	}
	if o.UploadIdleTimeout <= 0 {
		o.UploadIdleTimeout = constants.UploadIdleTimeout
	}
	if o.Logger == nil {
		o.Logger, _ = logger.New("", "ctproto-server", "info")
	}
	if o.DisableLogs {
		o.Logger = logger.Nop()
	}
}

func (o *Options) validateOptions() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid server options: %w", err)
	}
	return nil
}
