package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codex-team/ctproto/internal/common/constants"
	"github.com/codex-team/ctproto/internal/common/logger"
	"github.com/codex-team/ctproto/pkg/message"
)

// Options configure a protocol client.
//
// AuthRequestPayload is sent automatically in an authorize message every
// time a connection opens; OnAuth receives the payload of the authorize
// response. OnMessage receives every server-initiated update (any inbound
// envelope carrying a type).
type Options struct {
	APIURL             string `validate:"required,url"`
	AuthRequestPayload any

	OnAuth    func(payload json.RawMessage)
	OnMessage func(env *message.Envelope)

	DisableLogs bool
	Logger      *logger.Logger

	// Timer and budget overrides; zero values take the protocol defaults
	// (5s reconnect, 5 attempts, 5s chunk ack, 5 retries, 10000-byte
	// chunks).
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	ChunkAckTimeout      time.Duration
	ChunkRetryLimit      int
	ChunkSize            int
}

var validate = validator.New()

func (o *Options) applyDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = constants.ReconnectInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = constants.MaxReconnectAttempts
	}
	if o.ChunkAckTimeout <= 0 {
		o.ChunkAckTimeout = constants.ChunkAckTimeout
	}
	if o.ChunkRetryLimit <= 0 {
		o.ChunkRetryLimit = constants.ChunkRetryLimit
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = constants.ChunkSize
	}
	if o.Logger == nil {
		o.Logger, _ = logger.New("", "ctproto-client", "info")
	}
	if o.DisableLogs {
		o.Logger = logger.Nop()
	}
}

func (o *Options) validateOptions() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid client options: %w", err)
	}
	return nil
}
