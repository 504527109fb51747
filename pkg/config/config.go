package config

import "time"

// Server defaults
const (
	DefaultPort    = "5800"
	DefaultUDPPort = 5801
	DefaultCodec   = "json"
)

// Stream timing and limits
const (
	TickPeriod              = 5 * time.Millisecond
	DefaultFailureThreshold = 200
	MaxTickPeriod           = 1 * time.Second
	MaxLogBackoff           = 5 * time.Minute
	StreamStopTimeout       = 2 * time.Second
)

// HTTP server timeouts and limits
const (
	ServerReadTimeout   = 10 * time.Second
	ServerWriteTimeout  = 10 * time.Second
	ShutdownTimeout     = 5 * time.Second
	MaxRequestBodyBytes = 64 << 10
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// mDNS advertisement
const (
	MDNSServiceType = "_grapher._tcp"
	MDNSDomain      = "local."
	MDNSInstance    = "grapher"
)

// RuntimeRefresh bounds how often runtime statistics are re-read.
const RuntimeRefresh = 100 * time.Millisecond
