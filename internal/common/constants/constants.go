package constants

import "time"

const (
	// Server-side protocol timers.
	AuthTimeout       = 3 * time.Second
	UploadIdleTimeout = 15 * time.Second

	// Client-side protocol timers and budgets.
	ChunkAckTimeout      = 5 * time.Second
	ChunkRetryLimit      = 5
	ReconnectInterval    = 5 * time.Second
	MaxReconnectAttempts = 5

	// File uploads are cut into fixed-size chunks; only the final chunk
	// may be shorter.
	ChunkSize = 10_000

	// Transport tuning. PingPeriod must stay below PongWait so a live
	// peer always refreshes the read deadline in time.
	WriteWait          = 10 * time.Second
	PongWait           = 60 * time.Second
	PingPeriod         = 54 * time.Second
	MaxMessageSize     = 20 * 1024 * 1024
	SendBufferSize     = 256
	ReadBufferSize     = 1024
	WriteBufferSize    = 1024
	CloseGraceTimeout  = 5 * time.Second
	DefaultHost        = "localhost"
)
