package mcpclient

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// tokenRoundTripper injects a bearer (or custom-header) token into every
// outbound request, the same way an SSE-transported MCP server expects
// Bitbucket credentials to arrive.
type tokenRoundTripper struct {
	base       http.RoundTripper
	token      string
	authHeader string
}

func (t *tokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		if t.authHeader != "" {
			req.Header.Set(t.authHeader, t.token)
		} else {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// TransportFactory builds an mcp.Transport for one endpoint. Tests inject a
// fake one via Client.SetTransportFactory.
type TransportFactory func(ctx context.Context, endpoint, token, authHeader string) (mcp.Transport, error)

// sseDialTimeout bounds the HTTP client used for an SSE-transported
// server; the per-call deadline is still governed by the context passed
// into CallTool.
const sseDialTimeout = 30 * time.Second

// newTransport supports stdio:// (a locally spawned MCP server process) and
// http(s):// (an SSE-transported remote server) endpoint schemes.
func newTransport(ctx context.Context, endpoint, token, authHeader string) (mcp.Transport, error) {
	switch {
	case strings.HasPrefix(endpoint, "stdio://"):
		return newStdioTransport(ctx, endpoint, token)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return newSSETransport(endpoint, token, authHeader, sseDialTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported mcp endpoint scheme: %s", endpoint)
	}
}

func newStdioTransport(ctx context.Context, endpoint, token string) (mcp.Transport, error) {
	cmdLine := strings.TrimPrefix(endpoint, "stdio://")
	parts := splitArgs(cmdLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid stdio endpoint: %s", endpoint)
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	if token != "" {
		cmd.Env = append(cmd.Environ(), "MCP_TOKEN="+token)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func newSSETransport(endpoint, token, authHeader string, timeout time.Duration) mcp.Transport {
	httpClient := &http.Client{Timeout: timeout}
	if token != "" {
		httpClient.Transport = &tokenRoundTripper{token: token, authHeader: authHeader}
	}
	return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
}

func splitArgs(s string) []string {
	var args []string
	var current []rune
	inQuote := false
	var quoteChar rune

	for _, c := range s {
		switch {
		case inQuote:
			if c == quoteChar {
				inQuote = false
			} else {
				current = append(current, c)
			}
		case c == '"' || c == '\'':
			inQuote = true
			quoteChar = c
		case c == ' ' || c == '\t':
			if len(current) > 0 {
				args = append(args, string(current))
				current = nil
			}
		default:
			current = append(current, c)
		}
	}
	if len(current) > 0 {
		args = append(args, string(current))
	}
	return args
}
