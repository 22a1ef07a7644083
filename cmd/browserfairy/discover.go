package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// versionInfo mirrors the subset of the browser's /json/version response the
// CLI needs to find the debug WebSocket endpoint. Discovering the endpoint
// this way (rather than the target the browser process was launched with) is
// the external collaborator's job per the core's own scope; this is the
// thinnest possible implementation of that lookup so `browserfairy run`
// works against an already-running `--remote-debugging-port` browser.
type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	Browser              string `json:"Browser"`
}

// discoverEndpoint resolves the browser's debug WebSocket endpoint from its
// HTTP debugging port.
func discoverEndpoint(ctx context.Context, host string, port int) (string, error) {
	url := fmt.Sprintf("http://%s:%d/json/version", host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building discovery request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reaching debug endpoint at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("debug endpoint %s returned %s", url, resp.Status)
	}

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decoding /json/version response: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in /json/version response from %s", url)
	}
	return info.WebSocketDebuggerURL, nil
}

// endpointResolver builds the function protocol.Connect calls before every
// connection attempt, including retries. A fixed --endpoint is returned
// unchanged every time; otherwise the debug HTTP port is re-queried each
// attempt, so a browser that finishes starting up (or restarts on a new
// port) between attempts is still found.
func endpointResolver(fixed, host string, port int) func(context.Context) (string, error) {
	if fixed != "" {
		return func(context.Context) (string, error) { return fixed, nil }
	}
	return func(ctx context.Context) (string, error) { return discoverEndpoint(ctx, host, port) }
}
