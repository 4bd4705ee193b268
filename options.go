// Package tungo is the client side of a reverse HTTP tunnel: it opens a
// long-lived WebSocket control connection to a rendezvous server,
// registers a subdomain, and services multiplexed HTTP request streams
// forwarded by the server back over that connection against a local
// HTTP origin.
package tungo

import (
	"fmt"
	"strings"
	"time"
)

// Options configures a Client. Construct one directly and pass it to
// New; fields left zero take the defaults noted below.
type Options struct {
	// LocalPort is the port of the local HTTP origin. Required.
	LocalPort int

	// LocalHost is the host of the local HTTP origin. Default "localhost".
	LocalHost string

	// ServerURL is the full rendezvous control URL, e.g.
	// "ws://relay.example.com:5555/ws". Mutually exclusive with
	// ServerHost/ControlPort: when empty, ServerHost and ControlPort are
	// used to build ws://<host>:<port>/ws.
	ServerURL string

	// ServerHost is the rendezvous host, used when ServerURL is empty.
	// Default "localhost".
	ServerHost string

	// ControlPort is the rendezvous control port, used when ServerURL is
	// empty. Default 5555.
	ControlPort int

	// Subdomain is the requested subdomain. Empty requests a
	// server-assigned one. The engine overwrites this field in place
	// after the first successful handshake with the server-assigned
	// value, so subsequent reconnects request the same subdomain.
	Subdomain string

	// SecretKey is an optional shared secret. Its presence switches the
	// client type in the hello from "anonymous" to "auth".
	SecretKey string

	// ConnectTimeout bounds both the control-channel dial and the
	// handshake. Default 10s.
	ConnectTimeout time.Duration

	// MaxRetries is the reconnect-attempt count at which the extended
	// cooldown kicks in (see the reconnection policy). Default 5.
	MaxRetries int

	// RetryInterval is the delay between reconnect attempts. Default 5s.
	RetryInterval time.Duration

	// LogLevel is one of "debug", "info", "warn", "error". Default "info".
	LogLevel string

	// ProxyURL optionally routes the control-channel dial through a
	// socks5://, socks5h://, http://, or https:// proxy.
	ProxyURL string

	// VerifyProxyRouting, when true and ProxyURL is set, runs a one-shot
	// direct-ip-vs-proxied-ip check before the first dial.
	VerifyProxyRouting bool

	// ReconnectToken is an opaque credential carried in the ClientHello.
	// When empty and SecretKey is set, the engine derives one from the
	// first hello's id and stores it here, so later hellos reuse it.
	ReconnectToken string
}

const (
	defaultLocalHost      = "localhost"
	defaultServerHost     = "localhost"
	defaultControlPort    = 5555
	defaultConnectTimeout = 10 * time.Second
	defaultMaxRetries     = 5
	defaultRetryInterval  = 5 * time.Second
	defaultLogLevel       = "info"
)

// withDefaults returns a copy of o with zero-valued fields replaced by
// their defaults, validating required fields.
func (o Options) withDefaults() (Options, error) {
	if o.LocalPort <= 0 {
		return o, fmt.Errorf("%w: local_port is required", ErrConfigInvalid)
	}
	if o.LocalHost == "" {
		o.LocalHost = defaultLocalHost
	}
	if o.ServerURL == "" && o.ServerHost == "" {
		o.ServerHost = defaultServerHost
	}
	if o.ServerURL == "" && o.ControlPort == 0 {
		o.ControlPort = defaultControlPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.LogLevel == "" {
		o.LogLevel = defaultLogLevel
	}
	return o, nil
}

// controlURL builds the rendezvous websocket URL per the rules in the
// data model: a bare host:port gets an unencrypted scheme and the
// control path appended; a URL without a scheme is assumed unencrypted;
// a URL missing the control path suffix gets it appended.
func (o Options) controlURL() string {
	if o.ServerURL == "" {
		return fmt.Sprintf("ws://%s:%d/ws", o.ServerHost, o.ControlPort)
	}

	url := o.ServerURL
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/ws") {
		if strings.HasSuffix(url, "/") {
			url += "ws"
		} else {
			url += "/ws"
		}
	}
	return url
}

// TunnelInfo describes an established tunnel.
type TunnelInfo struct {
	// URL is the public URL at which the local origin is now reachable.
	URL string
	// Subdomain is the assigned subdomain.
	Subdomain string
}

// Events are optional callbacks invoked from engine-owned goroutines.
// Callbacks for a single Client are serialised with respect to each
// other (no OnConnect concurrent with OnDisconnect) but must not block
// indefinitely — offload long work to your own goroutine if needed.
type Events struct {
	// OnConnect fires after every successful handshake, including ones
	// that follow a reconnection.
	OnConnect func(TunnelInfo)

	// OnDisconnect fires once per channel loss while the client is
	// running, before the reconnect policy begins.
	OnDisconnect func(reason string)

	// OnReconnect fires once per reconnect attempt, with the
	// (possibly-reset) attempt counter.
	OnReconnect func(attempt int)

	// OnStatus fires on state transitions: "connected", "reconnecting",
	// "stopped".
	OnStatus func(status string)

	// OnError fires on asynchronous failures in the receive loop that
	// don't already have a more specific callback.
	OnError func(err error)
}

func (e Events) fireConnect(info TunnelInfo) {
	if e.OnConnect != nil {
		e.OnConnect(info)
	}
}

func (e Events) fireDisconnect(reason string) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e Events) fireReconnect(attempt int) {
	if e.OnReconnect != nil {
		e.OnReconnect(attempt)
	}
}

func (e Events) fireStatus(status string) {
	if e.OnStatus != nil {
		e.OnStatus(status)
	}
}

func (e Events) fireError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}
