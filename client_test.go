package tungo

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tungo-go/tungo/internal/faketunnel"
	"github.com/tungo-go/tungo/internal/protocol"
)

func _start_origin(t *testing.T, body string) (host string, port int, stop func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, srv.Close
}

func _free_port(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// Test_happy_path covers scenario 1: a successful handshake fires
// OnConnect/OnStatus and leaves the client active with matching info.
func Test_happy_path(t *testing.T) {
	host, port, stopOrigin := _start_origin(t, "ok")
	defer stopOrigin()

	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	defer peer.Close()

	var mu sync.Mutex
	var connected TunnelInfo
	var statuses []string

	c, err := New(Options{
		LocalHost: host,
		LocalPort: port,
		ServerURL: peer.URL(),
		Subdomain: "abc",
	}, Events{
		OnConnect: func(info TunnelInfo) { mu.Lock(); connected = info; mu.Unlock() },
		OnStatus:  func(s string) { mu.Lock(); statuses = append(statuses, s); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	info, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.IsActive() {
		t.Fatal("expected client to be active after successful start")
	}

	mu.Lock()
	defer mu.Unlock()
	if connected != *info {
		t.Errorf("OnConnect info %+v did not match Start result %+v", connected, *info)
	}
	if len(statuses) == 0 || statuses[0] != "connected" {
		t.Errorf("expected first status \"connected\", got %v", statuses)
	}
	got, ok := c.GetInfo()
	if !ok || got != *info {
		t.Errorf("GetInfo() = %+v, %v; want %+v, true", got, ok, *info)
	}
}

// Test_subdomain_in_use covers scenario 2: a rejecting hello fails
// Start with HandshakeRejected and never fires OnConnect.
func Test_subdomain_in_use(t *testing.T) {
	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.RejectHello(protocol.HelloSubDomainInUse, "taken")
	})
	defer peer.Close()

	connected := false
	c, err := New(Options{
		LocalHost: "localhost",
		LocalPort: _free_port(t),
		ServerURL: peer.URL(),
		Subdomain: "taken",
	}, Events{
		OnConnect: func(TunnelInfo) { connected = true },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	_, err = c.Start(context.Background())
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if connected {
		t.Error("OnConnect fired despite rejected handshake")
	}
}

// Test_request_proxying covers scenario 3: an inbound stream is parsed,
// dispatched to the local origin, and the response is framed back as
// DATA terminated by END.
func Test_request_proxying(t *testing.T) {
	host, port, stopOrigin := _start_origin(t, "ok")
	defer stopOrigin()

	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	defer peer.Close()

	c, err := New(Options{LocalHost: host, LocalPort: port, ServerURL: peer.URL()}, Events{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn := peer.Accept(2 * time.Second)
	raw := []byte("GET /x HTTP/1.1\r\nHost: h\r\n\r\n")
	resp := conn.SendRequest(t, "stream-1", raw, 2*time.Second)

	if len(resp) < len("HTTP/1.1 200") || string(resp[:12]) != "HTTP/1.1 200" {
		t.Fatalf("expected response to start with an HTTP/1.1 200 status line, got %q", resp)
	}
	if !containsBytes(resp, []byte("ok")) {
		t.Errorf("expected response body to contain %q, got %q", "ok", resp)
	}
}

func containsBytes(haystack, needle []byte) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// Test_reconnect_preserves_subdomain covers scenario 4: after the peer
// drops the connection, the next ClientHello carries the
// server-assigned subdomain rather than the original request.
func Test_reconnect_preserves_subdomain(t *testing.T) {
	var mu sync.Mutex
	var disconnected bool

	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	defer peer.Close()

	c, err := New(Options{
		LocalHost:     "localhost",
		LocalPort:     _free_port(t),
		ServerURL:     peer.URL(),
		RetryInterval: 200 * time.Millisecond,
	}, Events{
		OnDisconnect: func(string) { mu.Lock(); disconnected = true; mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := peer.Accept(2 * time.Second)
	assignedSub := first.Hello().SubDomain
	if assignedSub != "" {
		t.Fatalf("expected empty requested subdomain, got %q", assignedSub)
	}

	first.Close()

	second := peer.Accept(2 * time.Second)
	if second.Hello().SubDomain == "" {
		t.Fatal("expected reconnect hello to carry the server-assigned subdomain")
	}

	mu.Lock()
	defer mu.Unlock()
	if !disconnected {
		t.Error("expected OnDisconnect to fire after the peer dropped the connection")
	}
}

// Test_continuous_retry_beyond_max covers scenario 5: with an
// unreachable rendezvous server, reconnect attempts keep incrementing
// past max_retries instead of surfacing an error from Start.
func Test_continuous_retry_beyond_max(t *testing.T) {
	port := _free_port(t)

	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	unreachableURL := peer.URL()
	peer.Close() // close immediately: every dial fails

	var mu sync.Mutex
	var attempts []int

	c, err := New(Options{
		LocalHost:      "localhost",
		LocalPort:      port,
		ServerURL:      unreachableURL,
		MaxRetries:     2,
		RetryInterval:  10 * time.Millisecond,
		ConnectTimeout: 200 * time.Millisecond,
	}, Events{
		OnReconnect: func(n int) { mu.Lock(); attempts = append(attempts, n); mu.Unlock() },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// skip Start and mark the client running by hand, driving straight
	// into the reconnect loop in the background.
	c.running = true
	c.st = stateConnecting
	c.stopping.Store(false)
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	c.sessionWG.Add(1)
	go func() {
		defer c.sessionWG.Done()
		c.reconnectLoop()
	}()
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(attempts)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 reconnect attempts, got %v", attempts)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected attempts 1, 2 before cooldown, got %v", attempts[:2])
	}
	if attempts[2] != 1 {
		t.Errorf("expected counter to reset to 1 after extended cooldown, got %v", attempts[2])
	}
}

// Test_ping_cadence covers scenario 6: the client answers an inbound
// ping with a pong. The outbound 30s cadence itself is not
// re-exercised here to keep the suite fast; pingInterval is covered by
// code inspection.
func Test_ping_cadence(t *testing.T) {
	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	defer peer.Close()

	c, err := New(Options{LocalHost: "localhost", LocalPort: _free_port(t), ServerURL: peer.URL()}, Events{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn := peer.Accept(2 * time.Second)
	if err := conn.SendPing(); err != nil {
		t.Fatalf("sending ping: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for conn.PongCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pong reply to inbound ping")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Test_stop_is_idempotent_and_stateless_after covers the stop()
// boundary behavior: is_active() is false and a second Stop is a no-op.
func Test_stop_is_idempotent_and_stateless_after(t *testing.T) {
	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.SuccessHello(hello, "rv")
	})
	defer peer.Close()

	c, err := New(Options{LocalHost: "localhost", LocalPort: _free_port(t), ServerURL: peer.URL()}, Events{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c.Stop()
	if c.IsActive() {
		t.Fatal("expected IsActive() false after Stop")
	}
	c.Stop() // must not panic or block
}

// Test_handshake_rejected_surfaces_server_text checks the sentinel
// wrapping carries the server's diagnostic text for errors.Is/As
// consumers.
func Test_handshake_rejected_surfaces_server_text(t *testing.T) {
	peer := faketunnel.New(t, func(hello *protocol.ClientHello) *protocol.ServerHello {
		return faketunnel.RejectHello(protocol.HelloAuthFailed, "bad secret")
	})
	defer peer.Close()

	c, err := New(Options{LocalHost: "localhost", LocalPort: _free_port(t), ServerURL: peer.URL(), SecretKey: "k"}, Events{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	_, err = c.Start(context.Background())
	if err == nil || !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if got := err.Error(); got == ErrHandshakeRejected.Error() {
		t.Error("expected wrapped error to carry the server's diagnostic text")
	}
}
