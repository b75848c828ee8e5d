package domain

// ConnState is the relay's view of the messaging-network session.
// Exactly one value is current at any time; transitions are announced to
// clients and require no acknowledgement.
type ConnState string

const (
	StateConnecting      ConnState = "connecting"
	StateAwaitingPairing ConnState = "awaiting_pairing"
	StateReady           ConnState = "ready"
	StateDisconnected    ConnState = "disconnected"
	StateAuthFailed      ConnState = "auth_failed"
)
