// Package proxydial routes outbound TCP connections through a SOCKS5 or
// HTTP CONNECT proxy, for reaching a rendezvous server that isn't
// directly dialable from the local network.
package proxydial

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

// scheme is the proxy protocol, resolved once at construction so
// DialContext never has to re-parse the url on every dial.
type scheme string

const (
	schemeSOCKS5  scheme = "socks5"
	schemeSOCKS5H scheme = "socks5h"
	schemeHTTP    scheme = "http"
	schemeHTTPS   scheme = "https"
)

// Dialer creates network connections routed through a socks5 or http
// connect proxy.
type Dialer struct {
	proxyURL *url.URL
	scheme   scheme
	timeout  time.Duration
}

// New parses the proxy url and returns a dialer. Supported schemes:
// socks5, socks5h, http, https.
func New(rawURL string, timeout time.Duration) (*Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}

	s := scheme(strings.ToLower(u.Scheme))
	switch s {
	case schemeSOCKS5, schemeSOCKS5H, schemeHTTP, schemeHTTPS:
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	return &Dialer{proxyURL: u, scheme: s, timeout: timeout}, nil
}

// DialContext establishes a connection to the target address through the
// proxy.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	log.Debug().Str("scheme", string(d.scheme)).Str("target", addr).Msg("dialing through proxy")

	var conn net.Conn
	var err error
	switch d.scheme {
	case schemeSOCKS5, schemeSOCKS5H:
		conn, err = d.dialSOCKS5(ctx, network, addr)
	case schemeHTTP, schemeHTTPS:
		conn, err = d.dialHTTPConnect(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", d.scheme)
	}

	if err != nil {
		log.Error().Err(err).Str("scheme", string(d.scheme)).Str("target", addr).Msg("proxy dial failed")
		return nil, err
	}
	return conn, nil
}

// basicAuth returns the proxyURL's userinfo as an Authorization header
// value, or "" if none is set.
func (d *Dialer) basicAuth() string {
	if d.proxyURL.User == nil {
		return ""
	}
	password, _ := d.proxyURL.User.Password()
	creds := d.proxyURL.User.Username() + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(creds))
}

// dialSOCKS5 connects through a socks5 proxy with optional
// authentication.
func (d *Dialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

// dialHTTPConnect connects through an http connect proxy with optional
// basic auth.
func (d *Dialer) dialHTTPConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if !strings.Contains(proxyHost, ":") {
		if d.scheme == schemeHTTPS {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to http proxy: %w", err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if creds := d.basicAuth(); creds != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := readStatusLine(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("http connect failed: %s", strings.TrimSpace(status))
	}

	return conn, nil
}

// readStatusLine reads the status line and discards the remaining
// headers of an http response.
func readStatusLine(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading status line: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return statusLine, nil
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return statusLine, nil
}
