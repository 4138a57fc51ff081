// Package tools exposes the execution engine as an MCP tool and provides
// a client for talking to it.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
)

// ToolName is the name the engine is published under.
const ToolName = "code_interpreter"

const toolDescription = `Run a Python-like script in a fresh, isolated sandbox and return its result.
The value of the last expression is returned as final_expression. Files written to the
home directory are returned as output_files (base64). Nothing persists between calls.`

// NewServer returns an MCP server with the code_interpreter tool bound to engine.
func NewServer(engine sandbox.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer("sandcastle", version)

	s.AddTool(mcp.Tool{
		Name:        ToolName,
		Description: toolDescription,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"files": map[string]any{
					"type":        "array",
					"description": "Input files written to the home directory before execution (optional)",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"filename": map[string]any{"type": "string"},
							"b64_data": map[string]any{"type": "string"},
						},
						"required": []string{"filename", "b64_data"},
					},
				},
			},
			Required: []string{"code"},
		},
	}, interpreterHandler(engine))

	return s
}

func interpreterHandler(engine sandbox.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := parseRequest(request)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		start := time.Now()
		result, err := engine.Exec(ctx, req)
		if result == nil {
			if err == nil {
				return errResult("error: engine returned no result"), nil
			}
			result = sandbox.FailureResult(err, time.Since(start))
		}
		return toolResult(result)
	}
}

func parseRequest(request mcp.CallToolRequest) (sandbox.ExecutionRequest, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return sandbox.ExecutionRequest{}, fmt.Errorf("invalid arguments")
	}

	code, _ := args["code"].(string)
	if code == "" {
		return sandbox.ExecutionRequest{}, fmt.Errorf("'code' is required")
	}
	req := sandbox.ExecutionRequest{Code: code}

	if raw, ok := args["files"]; ok && raw != nil {
		// round trip through JSON so the files decode exactly like HTTP bodies
		data, err := json.Marshal(raw)
		if err != nil {
			return req, fmt.Errorf("encoding files: %w", err)
		}
		if err := json.Unmarshal(data, &req.Files); err != nil {
			return req, fmt.Errorf("invalid files: %w", err)
		}
	}
	return req, nil
}

func toolResult(result *sandbox.ExecutionResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}

	content := []mcp.Content{mcp.TextContent{Type: "text", Text: string(data)}}
	for _, f := range result.OutputFiles {
		mimeType := imageType(f.Filename)
		if mimeType == "" {
			continue
		}
		content = append(content, mcp.ImageContent{
			Type:     "image",
			Data:     base64.StdEncoding.EncodeToString(f.Data),
			MIMEType: mimeType,
		})
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: !result.Success,
	}, nil
}

func imageType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	}
	return ""
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
