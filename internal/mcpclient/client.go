// Package mcpclient is the production implementation of
// statestore.ToolCaller: it holds a single circuit-breaker-guarded
// connection to the Bitbucket MCP server and retries tool calls across
// reconnects.
package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/hvo-labs/ai-code-review/internal/config"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
)

const (
	circuitFailureThreshold = 3
	circuitOpenDuration     = 30 * time.Second
	connectTimeout          = 15 * time.Second
)

// circuitState tracks consecutive-failure state for the one server this
// client manages.
type circuitState struct {
	failures  int
	openUntil time.Time
}

func (cs *circuitState) isOpen() bool {
	if cs.openUntil.IsZero() {
		return false
	}
	return time.Now().Before(cs.openUntil)
}

// Client manages the connection to one MCP server (Bitbucket) and
// implements statestore.ToolCaller.
type Client struct {
	serverName string
	endpoint   string
	token      string
	authHeader string

	retryAttempts int
	retryBackoff  time.Duration
	retryMaxBack  time.Duration

	mu               sync.RWMutex
	session          *mcp.ClientSession
	stale            bool
	circuit          circuitState
	transportFactory TransportFactory
	reconnectGroup   singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a Client for the Bitbucket server described by cfg. It does
// not connect; call Connect before first use.
func New(cfg *config.Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := cfg.MCP.Retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.MCP.Retry.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := cfg.MCP.Retry.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	return &Client{
		serverName:       "bitbucket",
		endpoint:         cfg.MCP.Bitbucket.Endpoint,
		token:            cfg.MCP.Bitbucket.Token,
		authHeader:       cfg.MCP.Bitbucket.AuthHeader,
		retryAttempts:    attempts,
		retryBackoff:     backoff,
		retryMaxBack:     maxBackoff,
		transportFactory: newTransport,
		baseCtx:          ctx,
		cancel:           cancel,
	}
}

// SetTransportFactory overrides how transports are built, for tests.
func (c *Client) SetTransportFactory(tf TransportFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportFactory = tf
}

// Connect establishes the initial session. A failure here is returned to
// the caller (main logs it and keeps running); later CallTool retries
// still reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.endpoint == "" {
		return fmt.Errorf("mcp bitbucket endpoint not configured")
	}
	_, err := c.getOrReconnect(ctx)
	return err
}

// IsHealthy reports whether the current session is usable without
// attempting a reconnect.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil && !c.stale
}

// Close cancels the client's lifecycle context and releases the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	if c.session != nil {
		err := c.session.Close()
		c.session = nil
		return err
	}
	return nil
}

func (c *Client) getOrReconnect(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.RLock()
	session, have := c.session, !c.stale && c.session != nil
	circuitOpen := c.circuit.isOpen()
	retryAfter := time.Until(c.circuit.openUntil)
	c.mu.RUnlock()

	if circuitOpen {
		metrics.MCPToolCalls.WithLabelValues(c.serverName, "circuit_breaker", "rejected").Inc()
		return nil, fmt.Errorf("mcp circuit open for %s, retry after %v", c.serverName, retryAfter)
	}
	if have {
		return session, nil
	}

	val, err, _ := c.reconnectGroup.Do(c.serverName, func() (interface{}, error) {
		c.mu.RLock()
		session, have := c.session, !c.stale && c.session != nil
		c.mu.RUnlock()
		if have {
			return session, nil
		}
		return c.reconnect(ctx)
	})
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return val.(*mcp.ClientSession), nil
}

func (c *Client) reconnect(ctx context.Context) (*mcp.ClientSession, error) {
	c.mu.RLock()
	factory := c.transportFactory
	c.mu.RUnlock()

	slog.Info("connecting to mcp server", "server", c.serverName)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	transport, err := factory(c.baseCtx, c.endpoint, c.token, c.authHeader)
	if err != nil {
		return nil, fmt.Errorf("create transport %s: %w", c.serverName, err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "ai-code-review", Version: "1.0.0"}, nil)
	session, err := client.Connect(connectCtx, transport)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.serverName, err)
	}

	c.mu.Lock()
	c.session = session
	c.stale = false
	c.circuit = circuitState{}
	c.mu.Unlock()

	slog.Info("connected to mcp server", "server", c.serverName)
	return session, nil
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuit.failures++
	if c.circuit.failures >= circuitFailureThreshold {
		c.circuit.openUntil = time.Now().Add(circuitOpenDuration)
		slog.Warn("mcp circuit breaker opened", "server", c.serverName, "failures", c.circuit.failures)
		metrics.MCPToolCalls.WithLabelValues(c.serverName, "circuit_breaker", "opened").Inc()
	}
}

func (c *Client) forceStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	wait := c.retryBackoff * time.Duration(uint(1)<<uint(attempt))
	if wait > c.retryMaxBack {
		wait = c.retryMaxBack
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// CallTool implements statestore.ToolCaller. serverName is validated
// against the single server this client manages; mismatches are a
// programmer error, not a retryable condition.
func (c *Client) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (any, error) {
	if serverName != c.serverName {
		return nil, fmt.Errorf("mcp client configured for %q, got call for %q", c.serverName, serverName)
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		session, err := c.getOrReconnect(ctx)
		if err != nil {
			lastErr = err
			if attempt < c.retryAttempts-1 {
				c.forceStale()
				c.backoff(ctx, attempt)
				continue
			}
			break
		}

		result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
		if err == nil {
			return result, nil
		}

		lastErr = err
		slog.Warn("mcp tool call failed", "server", c.serverName, "tool", toolName, "attempt", attempt, "error", err)

		if attempt < c.retryAttempts-1 {
			c.forceStale()
			c.backoff(ctx, attempt)
		}
	}

	return nil, fmt.Errorf("call tool %s/%s: %w", c.serverName, toolName, lastErr)
}
