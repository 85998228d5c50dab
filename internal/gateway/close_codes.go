package gateway

// Custom WebSocket close codes used by the control-channel hub. Standard codes (1000, 1001) are defined by RFC 6455;
// the 4000 range is reserved for application use.
const (
	CloseHeartbeatTimeout = 4001
	CloseRateLimited      = 4002
)
