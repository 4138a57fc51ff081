package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

// Client talks to a code_interpreter MCP server.
type Client struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

var _ sandbox.Engine = (*Client)(nil)

// Dial launches an MCP server subprocess and initializes the connection.
func Dial(ctx context.Context, binary string, env []string, args ...string) (*Client, error) {
	c, err := client.NewStdioMCPClient(binary, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting MCP server %s: %w", binary, err)
	}
	return initialize(ctx, binary, c)
}

// Connect attaches to an MCP server running in this process.
func Connect(ctx context.Context, s *server.MCPServer) (*Client, error) {
	c, err := client.NewInProcessClient(s)
	if err != nil {
		return nil, fmt.Errorf("creating in-process client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting in-process client: %w", err)
	}
	return initialize(ctx, "in-process", c)
}

func initialize(ctx context.Context, name string, c *client.Client) (*Client, error) {
	// Initialize the MCP protocol
	_, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "sandcastle",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing MCP server %s: %w", name, err)
	}

	// Discover tools
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("listing tools from %s: %w", name, err)
	}

	mc := &Client{name: name, client: c, tools: result.Tools}
	if !mc.HasTool(ToolName) {
		c.Close()
		return nil, fmt.Errorf("%s does not provide %s (tools: %s)", name, ToolName, strings.Join(mc.ToolNames(), ", "))
	}
	return mc, nil
}

// Exec runs req on the remote engine. Engine failures come back as a
// result with success=false, never as an error; err is reserved for
// transport problems.
func (mc *Client) Exec(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	args := map[string]any{"code": req.Code}
	if len(req.Files) > 0 {
		args["files"] = req.Files
	}

	result, err := mc.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      ToolName,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", ToolName, mc.name, err)
	}

	// The first text item carries the result document.
	for _, c := range result.Content {
		tc, ok := c.(mcp.TextContent)
		if !ok {
			continue
		}
		var out sandbox.ExecutionResult
		if err := json.Unmarshal([]byte(tc.Text), &out); err != nil {
			if result.IsError {
				return nil, fmt.Errorf("%s: %s", ToolName, tc.Text)
			}
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		return &out, nil
	}
	return nil, fmt.Errorf("%s returned no text content", ToolName)
}

// HasTool reports whether the server advertises name.
func (mc *Client) HasTool(name string) bool {
	for _, t := range mc.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ToolNames returns the names of all tools on this server.
func (mc *Client) ToolNames() []string {
	names := make([]string, len(mc.tools))
	for i, t := range mc.tools {
		names[i] = t.Name
	}
	return names
}

// Close shuts down the connection and any subprocess behind it.
func (mc *Client) Close() error {
	return mc.client.Close()
}
