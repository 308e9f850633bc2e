package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const keepaliveInterval = 30 * time.Second

// Client is an operator-side session against the bot's MCP endpoint.
type Client struct {
	client  *sdk.Client
	session *sdk.ClientSession

	token string

	mu              sync.Mutex
	keepaliveCancel context.CancelFunc
}

type ClientOption func(*Client)

// WithBearerToken makes Dial present token, which unlocks the write tools.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(name, version string, opts ...ClientOption) *Client {
	c := &Client{client: sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial connects to rawurl. http and https URLs are rewritten to ws and wss.
func (c *Client) Dial(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("mcp: dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return fmt.Errorf("mcp: dial %s: %w", u.Redacted(), err)
	}
	sess, err := c.client.Connect(ctx, NewWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mcp: connect: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session = sess
	if prev := c.keepaliveCancel; prev != nil {
		prev()
	}
	c.keepaliveCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				_ = sess.Ping(kaCtx, nil)
			}
		}
	}()
	return nil
}

// Call invokes a tool and returns its text output. A tool-level failure is
// returned as an error carrying the tool's message.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return "", errors.New("mcp: not connected")
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp: call %s: %w", tool, err)
	}
	var parts []string
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp: %s: %s", tool, text)
	}
	return text, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
