package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventTick     = "tick"
	EventShutdown = "shutdown"
)
