// Package multiplex reconstitutes HTTP/1.1 requests from framed tunnel
// payloads, dispatches them to the local origin, and serialises the
// response back to wire bytes.
package multiplex

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Parser robustness bounds. The bytes handed to ParseRequest originate
// from the public internet by way of the rendezvous server; these caps
// keep a hostile or malformed request from growing memory unbounded.
const (
	MaxHeaderCount    = 200
	MaxHeaderLineLen  = 8 * 1024
	MaxTotalHeaderLen = 256 * 1024
)

// Request is a reconstituted HTTP/1.1 request: everything needed to
// re-issue it against the local origin. The HTTP version on the wire
// request line is discarded; the re-issue always uses HTTP/1.1.
type Request struct {
	Method string
	Target string
	Header http.Header
	Body   []byte
}

// ParseRequest parses the raw HTTP/1.1 wire bytes of a request as
// delivered in one or more accumulated DATA frames. Headers are parsed
// up to the first empty line; everything after is the body verbatim,
// regardless of any Content-Length header — the framed length is
// authoritative, not the header.
func ParseRequest(raw []byte) (*Request, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	var headerBlock, body []byte
	if headerEnd == -1 {
		headerBlock = raw
		body = nil
	} else {
		headerBlock = raw[:headerEnd]
		body = raw[headerEnd+4:]
	}

	if len(headerBlock) > MaxTotalHeaderLen {
		return nil, fmt.Errorf("header block too large: %d bytes", len(headerBlock))
	}

	reader := bufio.NewReader(bytes.NewReader(headerBlock))

	requestLine, err := reader.ReadString('\n')
	if err != nil && requestLine == "" {
		return nil, fmt.Errorf("reading request line: %w", err)
	}
	requestLine = strings.TrimRight(requestLine, "\r\n")
	if len(requestLine) > MaxHeaderLineLen {
		return nil, fmt.Errorf("request line too long: %d bytes", len(requestLine))
	}

	method, target, ok := _split_request_line(requestLine)
	if !ok {
		return nil, fmt.Errorf("malformed request line: %q", requestLine)
	}

	header := make(http.Header)
	count := 0
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if len(line) > MaxHeaderLineLen {
			return nil, fmt.Errorf("header line too long: %d bytes", len(line))
		}
		count++
		if count > MaxHeaderCount {
			return nil, fmt.Errorf("too many headers: exceeds %d", MaxHeaderCount)
		}
		name, value, ok := _split_header_line(line)
		if ok {
			header.Add(name, value)
		}
		if err != nil {
			break
		}
	}

	return &Request{
		Method: method,
		Target: target,
		Header: header,
		Body:   body,
	}, nil
}

// _split_request_line extracts the method (up to the first space) and the
// request-target (up to the second space). The trailing HTTP version
// token, if present, is discarded.
func _split_request_line(line string) (method, target string, ok bool) {
	firstSpace := strings.IndexByte(line, ' ')
	if firstSpace < 0 {
		return "", "", false
	}
	method = line[:firstSpace]
	rest := line[firstSpace+1:]

	secondSpace := strings.IndexByte(rest, ' ')
	if secondSpace < 0 {
		target = rest
	} else {
		target = rest[:secondSpace]
	}
	if method == "" || target == "" {
		return "", "", false
	}
	return method, target, true
}

// _split_header_line splits a "Name: Value" line, trimming surrounding
// whitespace from both name and value.
func _split_header_line(line string) (name, value string, ok bool) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(line[:colon])
	value = strings.TrimSpace(line[colon+1:])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}

// Response is a local-origin response ready to be framed back to the
// rendezvous server.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// SerializeResponse renders a Response to HTTP/1.1 wire bytes: status
// line, headers, a terminating empty line, then the full body.
func SerializeResponse(resp *Response) []byte {
	var buf bytes.Buffer

	reason := resp.Status
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reason)

	for name, values := range resp.Header {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	if resp.Header.Get("Content-Length") == "" {
		fmt.Fprintf(&buf, "Content-Length: %s\r\n", strconv.Itoa(len(resp.Body)))
	}

	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	return buf.Bytes()
}
