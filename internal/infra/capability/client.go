// Package capability talks to one remote tool server at a time over the
// MCP streamable HTTP transport. Every operation opens a fresh session
// and tears it down on completion, trading per-call handshake overhead
// for isolation from stale or half-open connections.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolmux/internal/domain"
)

// Client is the narrow transport capability the registry depends on:
// connect, list capabilities, invoke one.
type Client interface {
	Discover(ctx context.Context, endpoint domain.EndpointSpec) ([]domain.ToolDescriptor, error)
	Invoke(ctx context.Context, endpoint domain.EndpointSpec, rawName string, args map[string]any, timeout time.Duration) (string, error)
	CheckHealth(ctx context.Context, endpoint domain.EndpointSpec) error
}

// Dialer produces a transport for one session with an endpoint. Injected
// so tests can run against in-memory MCP servers.
type Dialer interface {
	Dial(ctx context.Context, endpoint domain.EndpointSpec) (mcp.Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint domain.EndpointSpec) (mcp.Transport, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint domain.EndpointSpec) (mcp.Transport, error) {
	return f(ctx, endpoint)
}

// MCPClient implements Client on top of the official MCP SDK. A single
// instance is safe for concurrent use; sessions are never shared between
// calls.
type MCPClient struct {
	dialer         Dialer
	impl           *mcp.Implementation
	connectTimeout time.Duration
	logger         *zap.Logger
}

// MCPClientOptions configures an MCPClient.
type MCPClientOptions struct {
	Logger         *zap.Logger
	Dialer         Dialer
	ConnectTimeout time.Duration
}

// NewMCPClient creates a capability client. Without an explicit dialer it
// dials the endpoint URL over streamable HTTP.
func NewMCPClient(opts MCPClientOptions) *MCPClient {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewStreamableHTTPDialer()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = time.Duration(domain.DefaultConnectTimeoutSeconds) * time.Second
	}
	return &MCPClient{
		dialer:         dialer,
		impl:           &mcp.Implementation{Name: "toolmux", Version: "0.1.0"},
		connectTimeout: connectTimeout,
		logger:         logger.Named("capability"),
	}
}

// Discover lists the endpoint's tools in the order the server reports
// them, following pagination cursors to the end.
func (c *MCPClient) Discover(ctx context.Context, endpoint domain.EndpointSpec) ([]domain.ToolDescriptor, error) {
	session, err := c.connect(ctx, endpoint)
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnreachable, "capability.Discover", err)
	}
	defer c.closeSession(session, endpoint)

	var descriptors []domain.ToolDescriptor
	cursor := ""
	for {
		result, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, translateListErr(ctx, err)
		}
		for _, tool := range result.Tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				c.logger.Warn("skip tool with unmarshalable schema",
					zap.String("endpoint", endpoint.Name),
					zap.String("tool", tool.Name),
					zap.Error(err),
				)
				continue
			}
			descriptors = append(descriptors, domain.ToolDescriptor{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	return descriptors, nil
}

// Invoke calls one tool with a hard timeout and returns the textual
// result payload. A result the server flags as an error becomes a
// RemoteError; the registry does not retry.
func (c *MCPClient) Invoke(ctx context.Context, endpoint domain.EndpointSpec, rawName string, args map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultInvokeTimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := c.connect(callCtx, endpoint)
	if err != nil {
		return "", domain.Wrap(domain.CodeUnreachable, "capability.Invoke", err)
	}
	defer c.closeSession(session, endpoint)

	result, err := session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      rawName,
		Arguments: args,
	})
	if err != nil {
		return "", translateCallErr(callCtx, err)
	}

	payload := joinTextContent(result.Content)
	if result.IsError {
		return "", domain.E(domain.CodeRemote, "capability.Invoke", payload, nil)
	}
	return payload, nil
}

// CheckHealth verifies the endpoint completes a handshake and answers a
// ping within the connect timeout.
func (c *MCPClient) CheckHealth(ctx context.Context, endpoint domain.EndpointSpec) error {
	session, err := c.connect(ctx, endpoint)
	if err != nil {
		return domain.Wrap(domain.CodeUnreachable, "capability.CheckHealth", err)
	}
	defer c.closeSession(session, endpoint)

	if err := session.Ping(ctx, nil); err != nil {
		return domain.Wrap(domain.CodeUnreachable, "capability.CheckHealth", err)
	}
	return nil
}

func (c *MCPClient) connect(ctx context.Context, endpoint domain.EndpointSpec) (*mcp.ClientSession, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	transport, err := c.dialer.Dial(connectCtx, endpoint)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(c.impl, nil)
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *MCPClient) closeSession(session *mcp.ClientSession, endpoint domain.EndpointSpec) {
	if err := session.Close(); err != nil {
		c.logger.Debug("close session failed",
			zap.String("endpoint", endpoint.Name),
			zap.Error(err),
		)
	}
}

func translateListErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.CodeUnreachable, "capability.Discover", err)
	}
	return domain.Wrap(domain.CodeProtocol, "capability.Discover", err)
}

func translateCallErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Wrap(domain.CodeTimeout, "capability.Invoke", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.Wrap(domain.CodeCanceled, "capability.Invoke", err)
	}
	return domain.Wrap(domain.CodeRemote, "capability.Invoke", err)
}

func joinTextContent(blocks []mcp.Content) string {
	texts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if text, ok := block.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	if len(texts) == 0 {
		return "{}"
	}
	return strings.Join(texts, "\n")
}
