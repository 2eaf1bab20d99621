package protocol

// RPC method names called by the bridge.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
	MethodHealth   = "health"
)
