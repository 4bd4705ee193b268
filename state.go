package tungo

// state is the engine's position in the connection lifecycle state
// machine. Only stateConnected admits outbound stream traffic.
type state string

const (
	stateIdle         state = "idle"
	stateConnecting   state = "connecting"
	stateConnected    state = "connected"
	stateReconnecting state = "reconnecting"
	stateStopped      state = "stopped"
)
