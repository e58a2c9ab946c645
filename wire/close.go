package wire

// Websocket close codes used by the gateway. 4xxx codes are
// application-defined per RFC 6455.
const (
	CloseNormal        = 1000
	CloseInternalError = 1011
	CloseAuthFailed    = 4401
	CloseWorkerDeleted = 4409
)

// Close reasons sent with the close frame.
const (
	ReasonNormal     = "normal"
	ReasonSuperseded = "superseded"
	ReasonAuthFailed = "auth-failed"
	ReasonDeleted    = "worker-already-deleted"
	ReasonDead       = "heartbeat-timeout"
)
