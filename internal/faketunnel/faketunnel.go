// Package faketunnel is a test-only rendezvous peer: a real in-process
// websocket server speaking the tungo control and stream protocol,
// used to exercise the client engine end-to-end without mocks.
package faketunnel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tungo-go/tungo/internal/protocol"
)

// HelloHandler decides how the peer responds to an incoming
// ClientHello. Tests supply one to script acceptance, rejection, or
// subdomain assignment.
type HelloHandler func(hello *protocol.ClientHello) *protocol.ServerHello

// Peer is a fake rendezvous server bound to an ephemeral local port.
type Peer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	helloFn  HelloHandler

	acceptCh chan *Conn
}

// New starts a fake rendezvous peer. helloFn is invoked once per
// incoming connection to produce the ServerHello.
func New(t *testing.T, helloFn HelloHandler) *Peer {
	t.Helper()
	p := &Peer{
		t:        t,
		helloFn:  helloFn,
		acceptCh: make(chan *Conn, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.handleWS)
	p.server = httptest.NewServer(mux)
	return p
}

// URL returns the peer's control websocket URL, e.g. ws://127.0.0.1:PORT/ws.
func (p *Peer) URL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws"
}

// Close tears down the underlying test server.
func (p *Peer) Close() {
	p.server.Close()
}

// Accept blocks until a client connects and completes its handshake, or
// fails the test after timeout.
func (p *Peer) Accept(timeout time.Duration) *Conn {
	p.t.Helper()
	select {
	case c := <-p.acceptCh:
		return c
	case <-time.After(timeout):
		p.t.Fatal("faketunnel: timed out waiting for client connection")
		return nil
	}
}

func (p *Peer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var hello protocol.ClientHello
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Close()
		return
	}

	serverHello := p.helloFn(&hello)
	payload, err := json.Marshal(serverHello)
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return
	}

	if serverHello.Type != protocol.HelloSuccess {
		conn.Close()
		return
	}

	c := &Conn{
		conn:    conn,
		codec:   protocol.NewCodec(conn),
		hello:   &hello,
		streams: make(map[string]chan *protocol.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	select {
	case p.acceptCh <- c:
	default:
	}
}

// Conn is one accepted client connection on the fake peer side.
type Conn struct {
	conn  *websocket.Conn
	codec *protocol.Codec
	hello *protocol.ClientHello

	streamsMu sync.Mutex
	streams   map[string]chan *protocol.Message

	pings     int32
	pongs     int32
	closeOnce sync.Once
	done      chan struct{}
}

// Hello returns the ClientHello this connection handshook with.
func (c *Conn) Hello() *protocol.ClientHello {
	return c.hello
}

// PingCount returns the number of ping frames received so far.
func (c *Conn) PingCount() int32 {
	return atomic.LoadInt32(&c.pings)
}

// PongCount returns the number of pong frames received so far, i.e. the
// client's replies to pings sent via SendPing.
func (c *Conn) PongCount() int32 {
	return atomic.LoadInt32(&c.pongs)
}

// SendPing sends an inbound ping frame to the client, as the real
// rendezvous server does on its own cadence.
func (c *Conn) SendPing() error {
	return c.codec.WriteJSON(protocol.NewMessage(protocol.TypePing, ""))
}

// Done returns a channel closed when the read loop exits, i.e. when the
// underlying connection has dropped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close drops the connection, simulating an unexpected disconnect.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.codec.ReadMessage()
		if err != nil {
			return
		}

		switch msg.Type {
		case protocol.TypePing:
			atomic.AddInt32(&c.pings, 1)
			_ = c.codec.WriteJSON(protocol.NewMessage(protocol.TypePong, ""))
		case protocol.TypePong:
			atomic.AddInt32(&c.pongs, 1)
		case protocol.TypeData, protocol.TypeEnd:
			c.streamsMu.Lock()
			ch, ok := c.streams[msg.StreamID]
			c.streamsMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				case <-c.done:
					return
				}
			}
		}
	}
}

// SendRequest frames raw as init/data/end onto streamID and waits for
// the client's reassembled data+end response, returning the response
// wire bytes.
func (c *Conn) SendRequest(t *testing.T, streamID string, raw []byte, timeout time.Duration) []byte {
	t.Helper()

	respCh := make(chan *protocol.Message, 8)
	c.streamsMu.Lock()
	c.streams[streamID] = respCh
	c.streamsMu.Unlock()
	defer func() {
		c.streamsMu.Lock()
		delete(c.streams, streamID)
		c.streamsMu.Unlock()
	}()

	if err := c.codec.WriteJSON(protocol.NewMessage(protocol.TypeInit, streamID)); err != nil {
		t.Fatalf("faketunnel: sending init: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if err := c.codec.WriteJSON(protocol.NewDataMessage(streamID, encoded)); err != nil {
		t.Fatalf("faketunnel: sending data: %v", err)
	}
	if err := c.codec.WriteJSON(protocol.NewMessage(protocol.TypeEnd, streamID)); err != nil {
		t.Fatalf("faketunnel: sending end: %v", err)
	}

	var body []byte
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-respCh:
			switch msg.Type {
			case protocol.TypeData:
				if msg.Data != nil {
					if chunk, err := base64.StdEncoding.DecodeString(msg.Data.Data); err == nil {
						body = append(body, chunk...)
					}
				}
			case protocol.TypeEnd:
				return body
			}
		case <-deadline:
			t.Fatal("faketunnel: timed out waiting for response")
			return nil
		}
	}
}

// SuccessHello builds an accepting ServerHello, assigning a synthetic
// subdomain when the client did not request one.
func SuccessHello(hello *protocol.ClientHello, hostname string) *protocol.ServerHello {
	sub := hello.SubDomain
	if sub == "" {
		sub = "auto-" + hello.ID[:8]
	}
	return &protocol.ServerHello{
		Type:      protocol.HelloSuccess,
		SubDomain: sub,
		Hostname:  fmt.Sprintf("%s.%s", sub, hostname),
		ClientID:  hello.ID,
	}
}

// RejectHello builds a rejecting ServerHello of the given type.
func RejectHello(helloType protocol.ServerHelloType, errText string) *protocol.ServerHello {
	return &protocol.ServerHello{Type: helloType, Error: errText}
}
