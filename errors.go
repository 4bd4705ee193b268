package tungo

import "errors"

// Sentinel errors forming the taxonomy in the engine's error handling
// design: config/dial/handshake failures are raised synchronously from
// Start; channel loss and per-stream failures are never surfaced this
// way (see Events.OnDisconnect and the stream multiplexer).
var (
	// ErrConfigInvalid is returned synchronously from New or Start when
	// Options are malformed (e.g. missing LocalPort).
	ErrConfigInvalid = errors.New("tungo: invalid configuration")

	// ErrAlreadyRunning is returned synchronously from Start when the
	// client is already active.
	ErrAlreadyRunning = errors.New("tungo: tunnel already running")

	// ErrDialTimeout is returned from Start when opening the control
	// channel does not complete within ConnectTimeout.
	ErrDialTimeout = errors.New("tungo: dial timeout")

	// ErrDialFailed is returned from Start when opening the control
	// channel fails for a reason other than timeout.
	ErrDialFailed = errors.New("tungo: dial failed")

	// ErrHandshakeTimeout is returned from Start when no ServerHello
	// arrives within ConnectTimeout.
	ErrHandshakeTimeout = errors.New("tungo: handshake timeout")

	// ErrHandshakeRejected is returned from Start when the ServerHello's
	// type is not "success". The underlying error carries the
	// server-supplied diagnostic text.
	ErrHandshakeRejected = errors.New("tungo: handshake rejected")
)
