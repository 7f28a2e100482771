package realtime

import "time"

// Security/performance limits for the realtime channel.
const (
	// Max bytes per websocket frame read. Snapshots can be large.
	maxFrameBytes = 8 << 20 // 8 MiB

	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second
)
