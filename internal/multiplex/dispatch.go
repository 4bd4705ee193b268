package multiplex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds every local-origin dispatch (spec: per-request
// total timeout of 30s).
const requestTimeout = 30 * time.Second

// Dispatcher issues reconstituted requests against the local HTTP
// origin using one pooled client for the lifetime of the engine — the
// teacher's per-stream http.ClientSession is profligate; the contract
// only requires one in-flight request per stream, not one connection
// per stream.
type Dispatcher struct {
	localHost string
	localPort int
	client    *http.Client
}

// NewDispatcher creates a dispatcher targeting the given local origin.
func NewDispatcher(localHost string, localPort int) *Dispatcher {
	return &Dispatcher{
		localHost: localHost,
		localPort: localPort,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

// Dispatch issues req against the local origin and returns the response.
// No assumption is made about the origin's keep-alive behaviour.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d%s", d.localHost, d.localPort, req.Target)

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building local request: %w", err)
	}
	httpReq.Header = req.Header.Clone()

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatching to local origin: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading local origin response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Body:       body,
	}, nil
}
