package proxydial

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ipCheckURL is the public-ip lookup service used to verify proxy
// routing.
const ipCheckURL = "https://api.ipify.org"

// VerifyRouting confirms traffic destined for the rendezvous server
// actually routes through the proxy, by comparing the direct public ip
// with the proxied public ip. Run once, before the first dial — the
// connection engine's own reconnect loop already handles ongoing
// disconnects, so no periodic re-check runs alongside it.
func VerifyRouting(ctx context.Context, d *Dialer, timeout time.Duration) error {
	directIP, err := _fetch_ip(ctx, &http.Client{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("getting direct ip: %w", err)
	}

	proxiedClient := &http.Client{
		Transport: &http.Transport{DialContext: d.DialContext},
		Timeout:   timeout,
	}
	proxiedIP, err := _fetch_ip(ctx, proxiedClient)
	if err != nil {
		return fmt.Errorf("getting proxied ip: %w", err)
	}

	if directIP == proxiedIP {
		return fmt.Errorf("proxy not routing traffic: direct ip %s matches proxied ip %s", directIP, proxiedIP)
	}
	return nil
}

// _fetch_ip makes a request to the ip check service and returns the ip.
func _fetch_ip(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipCheckURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching ip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid ip address returned: %q", ip)
	}
	return ip, nil
}
