// Package mcp connects to Model Context Protocol server subprocesses and
// adapts their exported tools to the agent's tool interface.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"factotum/errors"
	"factotum/logging"
)

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*Tool
	order []string
}

// NewClient starts the MCP server subprocess, connects over stdio and
// discovers the tools it exports.
func NewClient(name, command string, args []string) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "factotum", Version: "v1.0.0"}, nil)
	ctx := context.Background()
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to MCP server %q", name)
	}
	client := &Client{
		Name:  name,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*Tool),
	}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server %q", name)
		}
		for _, t := range list.Tools {
			client.tools[t.Name] = &Tool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				parameters:  convertInputSchema(t.InputSchema),
				client:      client,
			}
			client.order = append(client.order, t.Name)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logging.Info("initialized MCP client", "server", name, "tools", len(client.tools))
	return client, nil
}

// Get returns a tool exported by this server by its short name.
func (c *Client) Get(toolName string) (*Tool, bool) {
	t, ok := c.tools[toolName]
	return t, ok
}

// Tools returns every exported tool in discovery order.
func (c *Client) Tools() []*Tool {
	out := make([]*Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		logging.Info("terminating MCP server", "server", c.Name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// convertInputSchema round-trips the server's schema through JSON into the
// plain map form the provider adapters consume.
func convertInputSchema(schema any) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return fallback
	}
	return out
}

// Tool represents a tool available from an external MCP server. It satisfies
// the parent tools.Tool interface.
type Tool struct {
	serverName  string
	toolName    string
	description string
	parameters  map[string]any
	client      *Client
}

// Name returns the tool's short name. Qualified "<server>:<tool>" names were
// rejected by some providers, so short names go to the model as-is.
func (t *Tool) Name() string {
	return t.toolName
}

func (t *Tool) Description() string {
	return t.description
}

func (t *Tool) Parameters() map[string]any {
	return t.parameters
}

// Execute sends the call to the MCP server and concatenates the text content
// of the result.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool %q on server %q", t.toolName, t.serverName)
	}
	out := ""
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out += text.Text
		}
	}
	if result.IsError {
		return "", errors.New("tool %q reported an error: %s", t.toolName, out)
	}
	return out, nil
}
