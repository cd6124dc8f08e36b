package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/basket/go-triage/internal/config"
)

const clientTimeout = 3 * time.Second

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func runSubmitCommand(ctx context.Context, args []string) int {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" || text == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			return 1
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: triaged submit <incident text>   (or pipe the report on stdin)")
		return 2
	}

	base, err := daemonBaseURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return doRequest(ctx, http.MethodPost, base+"/api/incidents", strings.NewReader(text), http.StatusAccepted)
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: triaged status [workflow id]")
		return 2
	}

	base, err := daemonBaseURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	target := base + "/healthz"
	if len(args) == 1 {
		id := strings.TrimSpace(args[0])
		if id == "" {
			fmt.Fprintln(os.Stderr, "usage: triaged status [workflow id]")
			return 2
		}
		target = base + "/api/workflows/" + url.PathEscape(id) + "/status"
	}
	return doRequest(ctx, http.MethodGet, target, nil, http.StatusOK)
}

func daemonBaseURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	// Normalize IPv6 host:port if needed.
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr, nil
}

// doRequest echoes the response body to stdout and maps the status to an exit code.
func doRequest(ctx context.Context, method, target string, body io.Reader, want int) int {
	reqCtx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", method, target, err)
		return 1
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(out)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != want {
		return 1
	}
	return 0
}
