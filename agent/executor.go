package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"factotum/logging"
	"factotum/session"
	"factotum/tools"
)

// PermissionStore remembers which tool invocations skip confirmation.
type PermissionStore interface {
	IsPreapproved(tool, path string) bool
}

// PathAuthority decides whether a path is authorized for known-safe read
// operations without asking the user.
type PathAuthority interface {
	IsPathAuthorized(path string) bool
}

// MemoryPermissionStore holds preapprovals in memory, seeded from config
// entries of the form "tool" or "tool:pathglob". Approvals remembered during
// a session ("always allow") are added at runtime.
type MemoryPermissionStore struct {
	mu      sync.Mutex
	entries []permissionEntry
}

type permissionEntry struct {
	tool string
	glob string
}

func NewMemoryPermissionStore(seed []string) *MemoryPermissionStore {
	s := &MemoryPermissionStore{}
	for _, raw := range seed {
		tool, glob, _ := strings.Cut(raw, ":")
		s.entries = append(s.entries, permissionEntry{tool: tool, glob: glob})
	}
	return s
}

// Remember preapproves future calls of the tool; an empty glob covers every
// path.
func (s *MemoryPermissionStore) Remember(tool, glob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, permissionEntry{tool: tool, glob: glob})
}

func (s *MemoryPermissionStore) IsPreapproved(tool, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.tool != tool {
			continue
		}
		if e.glob == "" {
			return true
		}
		if ok, err := doublestar.PathMatch(e.glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

// globPathAuthority authorizes paths matching any configured glob.
type globPathAuthority struct {
	patterns []string
}

func NewPathAuthority(patterns []string) PathAuthority {
	return &globPathAuthority{patterns: patterns}
}

func (a *globPathAuthority) IsPathAuthorized(path string) bool {
	for _, pattern := range a.patterns {
		if ok, err := doublestar.PathMatch(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// toolExecutor runs tool calls one at a time, in call order. Tool failures
// become error-carrying results, never loop-level errors; denials become
// refusal results.
type toolExecutor struct {
	sess     *session.Session
	broker   *Broker
	listener Listener
	perms    PermissionStore
	paths    PathAuthority
}

// ExecuteAll runs every call sequentially and returns one ToolResult block
// per call, correlated by call id, in call order.
func (e *toolExecutor) ExecuteAll(ctx context.Context, calls []session.ToolUseBlock, active map[string]tools.Tool) []session.ContentBlock {
	results := make([]session.ContentBlock, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeOne(ctx, call, active))
	}
	return results
}

func (e *toolExecutor) executeOne(ctx context.Context, call session.ToolUseBlock, active map[string]tools.Tool) session.ContentBlock {
	e.listener.OnToolCallStarted(call.ID, call.Name, call.Input)
	e.sess.SetStage(session.StageExecuting, call.Name)

	result, errMsg := e.run(ctx, call, active)
	status := "done"
	if errMsg != "" {
		status = "error"
	}
	e.listener.OnToolCallFinished(call.ID, status, errMsg)

	content := result
	isError := errMsg != ""
	if isError {
		content = errMsg
	}
	return session.ToolResultBlock{ToolUseID: call.ID, Content: content, IsError: isError}
}

// run produces either a result or an error message, never both.
func (e *toolExecutor) run(ctx context.Context, call session.ToolUseBlock, active map[string]tools.Tool) (string, string) {
	if call.InputMalformed() {
		return "", fmt.Sprintf("Error: tool arguments could not be parsed as JSON. Raw arguments: %s", call.RawInput())
	}

	tool, ok := active[call.Name]
	if !ok {
		return "", fmt.Sprintf("Error: tool %q is not available in the active toolset", call.Name)
	}

	if !e.permitted(ctx, call, tool) {
		return "", fmt.Sprintf("The user declined to run %q. Do not retry the call; ask how to proceed instead.", call.Name)
	}

	output, err := e.dispatch(ctx, call, tool)
	if err != nil {
		logging.Warn("tool execution failed", "tool", call.Name, "error", err)
		return "", fmt.Sprintf("Error executing %q: %v", call.Name, err)
	}
	return output, ""
}

// permitted applies the gate: remembered permission first, then the path
// authority for safe read operations, then the broker.
func (e *toolExecutor) permitted(ctx context.Context, call session.ToolUseBlock, tool tools.Tool) bool {
	path, _ := call.Input["path"].(string)
	if e.perms.IsPreapproved(call.Name, path) {
		return true
	}
	if cat, ok := tool.(tools.Categorized); ok && cat.Category() == tools.CategoryRead {
		if path != "" && e.paths.IsPathAuthorized(path) {
			return true
		}
	}
	return e.broker.RequestConfirmation(ctx, ConfirmationRequest{
		ID:       call.ID,
		ToolName: call.Name,
		Input:    call.Input,
	})
}

func (e *toolExecutor) dispatch(ctx context.Context, call session.ToolUseBlock, tool tools.Tool) (string, error) {
	var output string
	var err error
	if streamer, ok := tool.(tools.StreamingTool); ok {
		output, err = streamer.ExecuteStreaming(ctx, call.Input, func(stream, chunk string) {
			e.listener.OnToolOutputChunk(call.ID, stream, chunk)
		})
	} else {
		output, err = tool.Execute(ctx, call.Input)
	}
	if err != nil {
		return "", err
	}
	if reporter, ok := tool.(tools.ArtifactReporter); ok {
		for _, artifact := range reporter.Artifacts(call.Input) {
			e.sess.AddArtifact(artifact)
			e.listener.OnArtifactCreated(artifact)
		}
	}
	return output, nil
}
