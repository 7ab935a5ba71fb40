// Command healthcheck probes the local API health endpoint. It exits 0 when
// every component reports ok and 1 otherwise, printing degraded components
// to stderr. Intended for container HEALTHCHECK directives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"time"
)

const defaultAddr = "127.0.0.1:8080"

type healthBody struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func main() {
	url := fmt.Sprintf("http://%s/api/v1/health", normalizeAddr(os.Getenv("ESCROW_LISTEN_ADDR")))
	os.Exit(check(url, os.Stderr))
}

func check(url string, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer resp.Body.Close()

	var body healthBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "status %d: unreadable body: %v\n", resp.StatusCode, err)
		return 1
	}

	if resp.StatusCode == http.StatusOK && body.Status == "ok" {
		return 0
	}

	names := make([]string, 0, len(body.Components))
	for name := range body.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(stderr, "status %d: %s\n", resp.StatusCode, body.Status)
	for _, name := range names {
		if body.Components[name] != "ok" {
			fmt.Fprintf(stderr, "  %s: %s\n", name, body.Components[name])
		}
	}
	return 1
}

// normalizeAddr points the probe at loopback when the server binds all
// interfaces, since the probe runs inside the same container.
func normalizeAddr(raw string) string {
	if raw == "" {
		return defaultAddr
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return defaultAddr
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
