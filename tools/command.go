package tools

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"factotum/errors"
)

// ExecuteCommandTool implements the tool for running OS commands. Only
// commands matching the configured allowlist patterns run at all.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command. No commands are currently allowed."
	}
	var b strings.Builder
	b.WriteString("Executes a shell command. Allowed command patterns:\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&b, "- %s\n", cmd)
	}
	return b.String()
}

func (t *ExecuteCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The command line to run."},
		},
		"required": []string{"command"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.ExecuteStreaming(ctx, args, nil)
}

// ExecuteStreaming runs the command and forwards output to onChunk as it is
// produced, tagged "stdout" or "stderr". The returned transcript interleaves
// both streams in arrival order.
func (t *ExecuteCommandTool) ExecuteStreaming(ctx context.Context, args map[string]any, onChunk func(stream, chunk string)) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", errors.NewKind(errors.KindValidation, "missing or invalid 'command' argument")
	}
	if !isCommandAllowed(command, t.allowedCommands) {
		return "", errors.New("command %q is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	sinks := &streamSinks{onChunk: onChunk}
	cmd.Stdout = sinks.writer("stdout")
	cmd.Stderr = sinks.writer("stderr")

	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", sinks.transcript())
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", sinks.transcript()), nil
}

// streamSinks funnels stdout and stderr into one combined transcript while
// tagging each forwarded chunk with its source stream.
type streamSinks struct {
	onChunk func(stream, chunk string)

	mu     sync.Mutex
	output strings.Builder
}

func (s *streamSinks) writer(stream string) io.Writer {
	return &chunkWriter{write: func(p []byte) {
		s.mu.Lock()
		s.output.Write(p)
		s.mu.Unlock()
		if s.onChunk != nil {
			s.onChunk(stream, string(p))
		}
	}}
}

func (s *streamSinks) transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

type chunkWriter struct {
	write func([]byte)
}

var _ io.Writer = (*chunkWriter)(nil)

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.write(p)
	return len(p), nil
}
