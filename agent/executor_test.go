package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factotum/errors"
	"factotum/session"
	"factotum/tools"
)

func newTestExecutor(t *testing.T, lis *recordingListener) (*toolExecutor, *session.Session, *MemoryPermissionStore) {
	t.Helper()
	t.Chdir(t.TempDir())
	sess, err := session.New("exec-test")
	require.NoError(t, err)
	sess.SetObserver(sessionListener{lis})
	perms := NewMemoryPermissionStore(nil)
	e := &toolExecutor{
		sess:     sess,
		broker:   NewBroker(lis),
		listener: lis,
		perms:    perms,
		paths:    NewPathAuthority(nil),
	}
	return e, sess, perms
}

func TestExecutorRunsCallsInOrder(t *testing.T) {
	lis := &recordingListener{}
	e, _, perms := newTestExecutor(t, lis)
	perms.Remember("first", "")
	perms.Remember("second", "")

	active := map[string]tools.Tool{
		"first":  &fakeTool{name: "first", output: "one"},
		"second": &fakeTool{name: "second", output: "two"},
	}
	calls := []session.ToolUseBlock{
		{ID: "c1", Name: "first", Input: map[string]any{}},
		{ID: "c2", Name: "second", Input: map[string]any{}},
	}

	results := e.ExecuteAll(context.Background(), calls, active)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].(session.ToolResultBlock).Content)
	assert.Equal(t, "c1", results[0].(session.ToolResultBlock).ToolUseID)
	assert.Equal(t, "two", results[1].(session.ToolResultBlock).Content)
	assert.Equal(t, []string{"first", "second"}, lis.started)
	assert.Equal(t, []string{"done", "done"}, lis.finished)
}

func TestExecutorToolFailureBecomesResult(t *testing.T) {
	lis := &recordingListener{}
	e, _, perms := newTestExecutor(t, lis)
	perms.Remember("flaky", "")

	active := map[string]tools.Tool{
		"flaky": &fakeTool{name: "flaky", err: errors.New("disk full")},
	}
	results := e.ExecuteAll(context.Background(),
		[]session.ToolUseBlock{{ID: "c1", Name: "flaky", Input: map[string]any{}}}, active)

	require.Len(t, results, 1)
	tr := results[0].(session.ToolResultBlock)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "disk full")
	assert.Equal(t, []string{"error"}, lis.finished)
}

func TestExecutorMalformedArgumentsBecomeResult(t *testing.T) {
	lis := &recordingListener{}
	e, _, _ := newTestExecutor(t, lis)

	call := session.ToolUseBlock{
		ID:   "c1",
		Name: "read_file",
		Input: map[string]any{
			session.InputErrorKey: "tool arguments are not valid JSON",
			session.InputRawKey:   `{"path": `,
		},
	}
	results := e.ExecuteAll(context.Background(), []session.ToolUseBlock{call},
		map[string]tools.Tool{"read_file": &fakeTool{name: "read_file"}})

	tr := results[0].(session.ToolResultBlock)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, `{"path": `)
	// never reached the broker or the tool
	assert.Empty(t, lis.confirms)
}

func TestExecutorUnknownToolBecomesResult(t *testing.T) {
	lis := &recordingListener{}
	e, _, _ := newTestExecutor(t, lis)

	results := e.ExecuteAll(context.Background(),
		[]session.ToolUseBlock{{ID: "c1", Name: "ghost", Input: map[string]any{}}},
		map[string]tools.Tool{})

	tr := results[0].(session.ToolResultBlock)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "not available")
}

func TestExecutorPathAuthorityBypassesConfirmation(t *testing.T) {
	lis := &recordingListener{}
	e, _, _ := newTestExecutor(t, lis)
	e.paths = NewPathAuthority([]string{"safe/**"})

	active := map[string]tools.Tool{
		"read_file": &fakeTool{name: "read_file", output: "ok", category: tools.CategoryRead},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results := e.ExecuteAll(ctx,
		[]session.ToolUseBlock{{ID: "c1", Name: "read_file", Input: map[string]any{"path": "safe/notes.txt"}}},
		active)

	tr := results[0].(session.ToolResultBlock)
	assert.False(t, tr.IsError)
	assert.Equal(t, "ok", tr.Content)
	assert.Empty(t, lis.confirms)
}

func TestExecutorWriteNeedsConfirmationDespiteAuthorizedPath(t *testing.T) {
	lis := &recordingListener{}
	e, _, _ := newTestExecutor(t, lis)
	e.paths = NewPathAuthority([]string{"safe/**"})
	lis.respond = func(req ConfirmationRequest) { e.broker.RespondConfirmation(req.ID, true) }

	active := map[string]tools.Tool{
		"write_file": &fakeTool{name: "write_file", output: "written", category: tools.CategoryWrite},
	}
	results := e.ExecuteAll(context.Background(),
		[]session.ToolUseBlock{{ID: "c1", Name: "write_file", Input: map[string]any{"path": "safe/notes.txt"}}},
		active)

	tr := results[0].(session.ToolResultBlock)
	assert.False(t, tr.IsError)
	require.Len(t, lis.confirms, 1)
	assert.Equal(t, "write_file", lis.confirms[0].ToolName)
}

func TestExecutorReportsArtifacts(t *testing.T) {
	lis := &recordingListener{}
	e, sess, perms := newTestExecutor(t, lis)
	perms.Remember("builder", "")

	active := map[string]tools.Tool{
		"builder": &artifactTool{fakeTool: fakeTool{name: "builder", output: "built"}},
	}
	e.ExecuteAll(context.Background(),
		[]session.ToolUseBlock{{ID: "c1", Name: "builder", Input: map[string]any{"path": "out/bin"}}},
		active)

	require.Len(t, lis.artifacts, 1)
	assert.Equal(t, "out/bin", lis.artifacts[0].Path)
	require.Len(t, sess.Artifacts(), 1)
}

type artifactTool struct {
	fakeTool
}

func (a *artifactTool) Artifacts(args map[string]any) []session.Artifact {
	path, _ := args["path"].(string)
	return []session.Artifact{{Path: path, Name: path, Type: "file", CreatedAt: time.Now()}}
}

func TestExecutorStreamsChunks(t *testing.T) {
	lis := &recordingListener{}
	e, _, perms := newTestExecutor(t, lis)
	perms.Remember("streamer", "")

	active := map[string]tools.Tool{
		"streamer": &streamingFake{fakeTool: fakeTool{name: "streamer", output: "full"}},
	}
	results := e.ExecuteAll(context.Background(),
		[]session.ToolUseBlock{{ID: "c1", Name: "streamer", Input: map[string]any{}}},
		active)

	assert.Equal(t, "full", results[0].(session.ToolResultBlock).Content)
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, lis.chunks)
	assert.Equal(t, []string{"stdout", "stderr"}, lis.streams)
}

type streamingFake struct {
	fakeTool
}

func (s *streamingFake) ExecuteStreaming(_ context.Context, _ map[string]any, onChunk func(stream, chunk string)) (string, error) {
	onChunk("stdout", "chunk-1")
	onChunk("stderr", "chunk-2")
	return s.output, nil
}

func TestMemoryPermissionStore(t *testing.T) {
	s := NewMemoryPermissionStore([]string{"read_file", "write_file:docs/**"})

	assert.True(t, s.IsPreapproved("read_file", "anything"))
	assert.True(t, s.IsPreapproved("write_file", "docs/readme.md"))
	assert.False(t, s.IsPreapproved("write_file", "src/main.go"))
	assert.False(t, s.IsPreapproved("execute_command", ""))

	s.Remember("execute_command", "")
	assert.True(t, s.IsPreapproved("execute_command", "anything"))
}
