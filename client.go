package tungo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tungo-go/tungo/internal/multiplex"
	"github.com/tungo-go/tungo/internal/protocol"
	"github.com/tungo-go/tungo/internal/proxydial"
)

// pingInterval is the keep-alive cadence while connected.
const pingInterval = 30 * time.Second

// session holds the resources of one control-channel connection. A new
// session is created on every successful handshake, including
// reconnects.
type session struct {
	conn      *websocket.Conn
	codec     *protocol.Codec
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func (s *session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()
	})
}

// streamEntry tracks one in-flight inbound stream's accumulated request
// bytes. The stream table is mutated by the receive loop, the reconnect
// loop and the stop path, always under streamsMu.
type streamEntry struct {
	buf    []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Client is the tunnel engine: it owns the control-channel lifecycle
// (handshake, keep-alive, reconnection) and the stream multiplexer. The
// zero value is not usable; construct one with New.
type Client struct {
	opts   Options
	events Events

	dialer     *proxydial.Dialer
	dispatcher *multiplex.Dispatcher

	mu                sync.Mutex
	st                state
	running           bool
	cur               *session
	tunnelInfo        *TunnelInfo
	reconnectAttempts int

	streamsMu sync.Mutex
	streams   map[string]*streamEntry

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	stopping  atomic.Bool
	sessionWG sync.WaitGroup
}

// New constructs a Client from the given options and event callbacks.
// Events may be the zero value if no callbacks are needed.
func New(opts Options, events Events) (*Client, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if level, err := zerolog.ParseLevel(opts.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	c := &Client{
		opts:       opts,
		events:     events,
		st:         stateIdle,
		streams:    make(map[string]*streamEntry),
		dispatcher: multiplex.NewDispatcher(opts.LocalHost, opts.LocalPort),
	}

	if opts.ProxyURL != "" {
		d, err := proxydial.New(opts.ProxyURL, opts.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		c.dialer = d
	}

	return c, nil
}

// Start dials the rendezvous server, performs the hello handshake, and
// on success spawns the receive and keep-alive loops. It returns once
// the first handshake succeeds or fails; reconnection after a later
// disconnect happens entirely in the background.
func (c *Client) Start(ctx context.Context) (*TunnelInfo, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.st = stateConnecting
	c.mu.Unlock()

	c.stopping.Store(false)
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())

	if c.dialer != nil && c.opts.VerifyProxyRouting {
		log.Info().Msg("verifying proxy routing before connecting")
		if err := proxydial.VerifyRouting(ctx, c.dialer, c.opts.ConnectTimeout); err != nil {
			c.resetToIdle()
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}

	info, err := c.connectAndHandshake(ctx)
	if err != nil {
		c.resetToIdle()
		return nil, err
	}

	c.startSessionLoops(c.currentSession())
	return info, nil
}

func (c *Client) resetToIdle() {
	c.mu.Lock()
	c.running = false
	c.st = stateIdle
	c.mu.Unlock()
}

func (c *Client) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// connectAndHandshake dials the control channel and performs the
// ClientHello/ServerHello exchange, both bounded by ConnectTimeout. On
// success it installs the new session and tunnel info and fires
// OnConnect/OnStatus.
func (c *Client) connectAndHandshake(ctx context.Context) (*TunnelInfo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	wsDialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	if c.dialer != nil {
		wsDialer.NetDialContext = c.dialer.DialContext
	}

	url := c.opts.controlURL()
	log.Info().Str("url", url).Msg("connecting to rendezvous server")

	conn, _, err := wsDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", ErrDialTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	codec := protocol.NewCodec(conn)

	hello := protocol.NewClientHello(c.opts.Subdomain, c.opts.SecretKey, c.opts.ReconnectToken)
	if hello.ReconnectToken == nil && c.opts.SecretKey != "" {
		// derive once and keep it, so every later hello presents the same
		// token.
		c.opts.ReconnectToken = protocol.DeriveReconnectToken(hello.ID, c.opts.SecretKey)
		hello.ReconnectToken = &protocol.ReconnectToken{Token: c.opts.ReconnectToken}
	}

	if err := codec.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	log.Debug().Str("client_id", hello.ID).Msg("sent client hello")

	conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	serverHello, err := codec.ReadServerHello()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w", ErrHandshakeTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}

	if serverHello.Type != protocol.HelloSuccess {
		conn.Close()
		errText := serverHello.Error
		if errText == "" {
			errText = string(serverHello.Type)
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, errText)
	}

	publicURL := serverHello.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://%s", serverHello.Hostname)
	}
	info := TunnelInfo{URL: publicURL, Subdomain: serverHello.SubDomain}

	// preserve the assigned subdomain so the next reconnect requests the
	// same one, not the originally-configured value.
	if serverHello.SubDomain != "" {
		c.opts.Subdomain = serverHello.SubDomain
	}

	sess := &session{conn: conn, codec: codec, done: make(chan struct{})}

	c.mu.Lock()
	c.cur = sess
	c.tunnelInfo = &info
	c.st = stateConnected
	c.mu.Unlock()

	c.events.fireConnect(info)
	c.events.fireStatus("connected")
	log.Info().Str("url", info.URL).Str("subdomain", info.Subdomain).Msg("tunnel established")

	return &info, nil
}

func (c *Client) startSessionLoops(sess *session) {
	c.sessionWG.Add(2)
	go c.readLoop(sess)
	go c.pingLoop(sess)
}

// readLoop processes inbound frames in arrival order until the channel
// closes, dispatching stream frames to the multiplexing handlers. A
// frame that fails to decode is logged and reported via OnError but
// does not end the session — only a transport-level read failure does.
func (c *Client) readLoop(sess *session) {
	defer c.sessionWG.Done()
	for {
		msg, err := sess.codec.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameMalformed) {
				log.Warn().Err(err).Msg("dropping malformed frame")
				c.events.fireError(err)
				continue
			}

			select {
			case <-sess.done:
				return
			default:
				c.onSessionEnded(sess, err)
				return
			}
		}

		switch msg.Type {
		case protocol.TypeInit:
			c.handleInit(msg)
		case protocol.TypeData:
			c.handleData(msg)
		case protocol.TypeEnd:
			c.handleEnd(sess, msg)
		case protocol.TypePing:
			c.handlePing(sess)
		case protocol.TypePong:
			// keep-alive acknowledgement, nothing to do
		default:
			log.Debug().Str("type", string(msg.Type)).Msg("unexpected frame type")
		}
	}
}

// pingLoop emits a keep-alive ping on a fixed cadence while connected.
func (c *Client) pingLoop(sess *session) {
	defer c.sessionWG.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.codec.WriteJSON(protocol.NewMessage(protocol.TypePing, "")); err != nil {
				c.onSessionEnded(sess, err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

// onSessionEnded closes the dead session and, unless a Stop() is
// already in progress, fires OnDisconnect and starts the reconnect
// policy. Idempotent per session: whichever of readLoop/pingLoop
// observes the failure first drives this; the other exits quietly via
// sess.done.
func (c *Client) onSessionEnded(sess *session, err error) {
	sess.endOnce.Do(func() {
		sess.closeConn()
		if c.stopping.Load() {
			return
		}

		c.mu.Lock()
		if c.cur == sess {
			c.cur = nil
		}
		c.st = stateReconnecting
		c.tunnelInfo = nil
		c.mu.Unlock()

		c.events.fireDisconnect(err.Error())

		c.sessionWG.Add(1)
		go func() {
			defer c.sessionWG.Done()
			c.reconnectLoop()
		}()
	})
}

// reconnectLoop implements the reconnection policy of §4.3 as an
// explicit loop rather than recursion, so an extended outage does not
// grow the call stack.
func (c *Client) reconnectLoop() {
	for {
		if !c.isRunning() {
			return
		}

		c.mu.Lock()
		c.st = stateReconnecting
		attempts := c.reconnectAttempts
		maxRetries := c.opts.MaxRetries
		retryInterval := c.opts.RetryInterval
		c.mu.Unlock()

		if attempts >= maxRetries {
			c.mu.Lock()
			c.reconnectAttempts = 0
			c.mu.Unlock()

			cooldown := retryInterval * 6
			if cooldown > 30*time.Second {
				cooldown = 30 * time.Second
			}
			log.Warn().Int("max_retries", maxRetries).Dur("cooldown", cooldown).
				Msg("max reconnect attempts reached, continuing with extended cooldown")
			if !c.sleepOrStop(cooldown) {
				return
			}
		}

		c.mu.Lock()
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		c.events.fireReconnect(attempt)
		c.events.fireStatus("reconnecting")
		log.Info().Int("attempt", attempt).Msg("reconnecting")

		if !c.sleepOrStop(retryInterval) {
			return
		}
		if !c.isRunning() {
			return
		}

		c.cancelAllStreams()

		if _, err := c.connectAndHandshake(c.lifeCtx); err != nil {
			log.Error().Err(err).Msg("reconnect attempt failed")
			continue
		}

		c.startSessionLoops(c.currentSession())
		return
	}
}

func (c *Client) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.lifeCtx.Done():
		return false
	}
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// handleInit creates a stream record for a newly announced stream. A
// duplicate stream_id supersedes the prior record: its handler is
// cancelled.
func (c *Client) handleInit(msg *protocol.Message) {
	if msg.StreamID == "" {
		log.Debug().Msg("init frame missing stream_id, ignored")
		return
	}

	ctx, cancel := context.WithCancel(c.lifeCtx)

	c.streamsMu.Lock()
	if prev, ok := c.streams[msg.StreamID]; ok {
		prev.cancel()
	}
	c.streams[msg.StreamID] = &streamEntry{ctx: ctx, cancel: cancel}
	c.streamsMu.Unlock()

	log.Debug().Str("stream_id", msg.StreamID).Msg("new stream")
}

// handleData accumulates a stream's framed request bytes. Data for an
// unknown stream_id (no prior INIT) is discarded without escalation.
func (c *Client) handleData(msg *protocol.Message) {
	if msg.StreamID == "" || msg.Data == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data.Data)
	if err != nil {
		log.Warn().Str("stream_id", msg.StreamID).Err(err).Msg("malformed base64 in data frame")
		return
	}

	c.streamsMu.Lock()
	entry, ok := c.streams[msg.StreamID]
	if ok {
		entry.buf = append(entry.buf, raw...)
	}
	c.streamsMu.Unlock()
}

// handleEnd finalises a stream: the accumulated request is parsed,
// dispatched to the local origin, and the response is framed back,
// terminated by one END frame. Any failure along the way is equivalent
// to a reset stream: just the END frame is sent.
func (c *Client) handleEnd(sess *session, msg *protocol.Message) {
	if msg.StreamID == "" {
		return
	}

	c.streamsMu.Lock()
	entry, ok := c.streams[msg.StreamID]
	if ok {
		delete(c.streams, msg.StreamID)
	}
	c.streamsMu.Unlock()
	if !ok {
		return
	}

	c.sessionWG.Add(1)
	go func() {
		defer c.sessionWG.Done()
		c.processStream(entry.ctx, sess, msg.StreamID, entry.buf)
	}()
}

func (c *Client) processStream(ctx context.Context, sess *session, streamID string, raw []byte) {
	req, err := multiplex.ParseRequest(raw)
	if err != nil {
		log.Warn().Str("stream_id", streamID).Err(err).Msg("failed to parse tunnelled request")
		c.sendEnd(sess, streamID)
		return
	}

	resp, err := c.dispatcher.Dispatch(ctx, req)
	if err != nil {
		log.Warn().Str("stream_id", streamID).Err(err).Msg("local origin dispatch failed")
		c.sendEnd(sess, streamID)
		return
	}

	wire := multiplex.SerializeResponse(resp)
	encoded := base64.StdEncoding.EncodeToString(wire)
	if err := sess.codec.WriteJSON(protocol.NewDataMessage(streamID, encoded)); err != nil {
		log.Error().Str("stream_id", streamID).Err(err).Msg("failed to send response data frame")
		return
	}
	c.sendEnd(sess, streamID)
}

func (c *Client) sendEnd(sess *session, streamID string) {
	if err := sess.codec.WriteJSON(protocol.NewMessage(protocol.TypeEnd, streamID)); err != nil {
		log.Error().Str("stream_id", streamID).Err(err).Msg("failed to send stream end")
	}
}

func (c *Client) handlePing(sess *session) {
	if err := sess.codec.WriteJSON(protocol.NewMessage(protocol.TypePong, "")); err != nil {
		log.Error().Err(err).Msg("failed to send pong")
	}
}

func (c *Client) cancelAllStreams() {
	c.streamsMu.Lock()
	for id, entry := range c.streams {
		entry.cancel()
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()
}

// Stop shuts the tunnel down. It is safe to call from any state,
// including mid-reconnect, and is idempotent: calling it twice, or
// calling it on a Client that was never started, is a no-op after the
// first call.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cur := c.cur
	c.cur = nil
	c.tunnelInfo = nil
	c.st = stateStopped
	c.mu.Unlock()

	c.stopping.Store(true)
	if c.lifeCancel != nil {
		c.lifeCancel()
	}

	if cur != nil {
		cur.closeConn()
	}

	c.cancelAllStreams()
	c.sessionWG.Wait()

	c.events.fireStatus("stopped")
	log.Info().Msg("tunnel stopped")
}

// GetInfo returns the current tunnel info, or false if no tunnel is
// currently established.
func (c *Client) GetInfo() (TunnelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnelInfo == nil {
		return TunnelInfo{}, false
	}
	return *c.tunnelInfo, true
}

// IsActive reports whether the control channel is currently open.
func (c *Client) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.st == stateConnected
}
