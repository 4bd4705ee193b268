package multiplex

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
)

func _start_test_origin(t *testing.T) (host string, port int, stop func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		w.Header().Set("X-Echo", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start test origin: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { srv.Close() }
}

func Test_dispatch_round_trip(t *testing.T) {
	host, port, stop := _start_test_origin(t)
	defer stop()

	d := NewDispatcher(host, port)
	req := &Request{Method: "GET", Target: "/echo", Header: http.Header{}}

	resp, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("expected body %q, got %q", "ok", resp.Body)
	}
	if resp.Header.Get("X-Echo") != "1" {
		t.Errorf("expected X-Echo header, got %q", resp.Header.Get("X-Echo"))
	}
}

func Test_dispatch_connection_refused(t *testing.T) {
	// bind and immediately close to obtain a guaranteed-unused port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	d := NewDispatcher("127.0.0.1", port)
	req := &Request{Method: "GET", Target: "/", Header: http.Header{}}

	_, err = d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected error dispatching to a closed port " + strconv.Itoa(port))
	}
}
