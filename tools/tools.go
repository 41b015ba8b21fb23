// Package tools defines the actions the agent can take and the registry that
// resolves a configured toolset into live tool instances, including tools
// exported by external MCP server subprocesses.
package tools

import (
	"context"
	"strings"

	"factotum/config"
	"factotum/errors"
	"factotum/logging"
	"factotum/session"
	"factotum/tools/mcp"
)

// Tool defines the interface for any action the agent can take. Parameters
// returns a JSON schema of the form
// {"type":"object","properties":{...},"required":[...]}.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// StreamingTool is implemented by tools whose output is worth surfacing
// incrementally, long-running commands mostly. onChunk receives raw output as
// it is produced, tagged with its source stream ("stdout" or "stderr"); the
// full combined output is still returned at the end.
type StreamingTool interface {
	Tool
	ExecuteStreaming(ctx context.Context, args map[string]any, onChunk func(stream, chunk string)) (string, error)
}

// Category classifies a tool's side-effect profile for permission gating.
type Category int

const (
	// CategoryExecute is the conservative default for uncategorized tools.
	CategoryExecute Category = iota
	CategoryRead
	CategoryWrite
)

// Categorized is implemented by tools that declare their side-effect
// category. Tools that don't are treated as CategoryExecute.
type Categorized interface {
	Category() Category
}

// ArtifactReporter is implemented by tools whose successful calls produce
// artifacts worth recording on the session.
type ArtifactReporter interface {
	Artifacts(args map[string]any) []session.Artifact
}

// Registry holds all available tools, built-in and MCP-provided.
type Registry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.Client
}

// NewRegistry builds the registry: built-in tools first, then one MCP client
// per configured server. A server that fails to start is skipped with a
// warning rather than failing startup.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.Client),
	}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ListDirTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})

	for _, server := range cfg.MCPServers {
		client, err := mcp.NewClient(server.Name, server.Command, server.Args)
		if err != nil {
			logging.Warn("skipping MCP server", "server", server.Name, "error", err)
			continue
		}
		r.mcpClients[server.Name] = client
	}

	return r
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ActiveTools resolves a toolset's names into tool instances. MCP tools are
// addressed as "<server>.<tool>"; "<server>.*" selects every tool the server
// exports.
func (r *Registry) ActiveTools(ts *config.Toolset) ([]Tool, error) {
	var active []Tool
	for _, name := range ts.Tools {
		server, toolName, isMCP := strings.Cut(name, ".")
		if isMCP {
			client, ok := r.mcpClients[server]
			if !ok {
				return nil, errors.New("MCP server %q for tool %q is not configured", server, name)
			}
			if toolName == "*" {
				active = append(active, wrapMCPTools(client.Tools())...)
				continue
			}
			t, ok := client.Get(toolName)
			if !ok {
				return nil, errors.New("tool %q is not exported by MCP server %q", toolName, server)
			}
			active = append(active, t)
			continue
		}

		t, ok := r.Get(name)
		if !ok {
			return nil, errors.New("tool %q from toolset %q is not registered", name, ts.Name)
		}
		active = append(active, t)
	}
	return active, nil
}

func wrapMCPTools(ts []*mcp.Tool) []Tool {
	out := make([]Tool, 0, len(ts))
	for _, t := range ts {
		out = append(out, t)
	}
	return out
}

// Close stops every MCP server subprocess.
func (r *Registry) Close() {
	for name, client := range r.mcpClients {
		if err := client.Stop(); err != nil {
			logging.Warn("error stopping MCP server", "server", name, "error", err)
		}
	}
}
