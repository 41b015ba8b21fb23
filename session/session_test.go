package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	stages  []Stage
	details []string
	history int
}

func (r *recordingObserver) StageChanged(stage Stage, detail string) {
	r.stages = append(r.stages, stage)
	r.details = append(r.details, detail)
}

func (r *recordingObserver) HistoryChanged([]Message) { r.history++ }

func newTestSession(t *testing.T) *Session {
	t.Helper()
	t.Chdir(t.TempDir())
	s, err := New("test")
	require.NoError(t, err)
	return s
}

func TestAppendAssignsID(t *testing.T) {
	s := newTestSession(t)
	stored := s.Append(NewUserText("hello"))
	assert.NotEmpty(t, stored.ID)

	withID := Message{ID: "fixed", Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "x"}}}
	assert.Equal(t, "fixed", s.Append(withID).ID)
}

func TestHistoryNeverExceedsLimit(t *testing.T) {
	s := newTestSession(t)
	s.SetLimit(5)
	for i := 0; i < 20; i++ {
		s.Append(NewUserText("msg"))
	}
	assert.Equal(t, 5, s.Len())
}

func TestTrimDropsOldestFirst(t *testing.T) {
	s := newTestSession(t)
	s.SetLimit(2)
	s.Append(NewUserText("first"))
	s.Append(NewUserText("second"))
	s.Append(NewUserText("third"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Text())
	assert.Equal(t, "third", msgs[1].Text())
}

func TestTruncateFrom(t *testing.T) {
	s := newTestSession(t)
	s.Append(Message{ID: "a", Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "a"}}})
	s.Append(Message{ID: "b", Role: RoleAssistant, Blocks: []ContentBlock{TextBlock{Text: "b"}}})
	s.Append(Message{ID: "c", Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: "c"}}})

	removed := s.TruncateFrom("b")
	require.Len(t, removed, 2)
	assert.Equal(t, "b", removed[0].ID)
	assert.Equal(t, "c", removed[1].ID)
	assert.Equal(t, 1, s.Len())

	assert.Nil(t, s.TruncateFrom("nope"))
	assert.Equal(t, 1, s.Len())
}

func TestSetStageDeduplicates(t *testing.T) {
	s := newTestSession(t)
	obs := &recordingObserver{}
	s.SetObserver(obs)

	s.SetStage(StageThinking, "")
	s.SetStage(StageThinking, "") // unchanged, no detail: no event
	s.SetStage(StageThinking, "retrying")
	s.SetStage(StageIdle, "")

	assert.Equal(t, []Stage{StageThinking, StageThinking, StageIdle}, obs.stages)
	assert.Equal(t, []string{"", "retrying", ""}, obs.details)
}

func TestReplaceClearsArtifacts(t *testing.T) {
	s := newTestSession(t)
	s.AddArtifact(Artifact{Path: "/tmp/out.txt", Name: "out.txt", Type: "file", CreatedAt: time.Now()})
	require.Len(t, s.Artifacts(), 1)

	s.Replace([]Message{NewUserText("restored")})
	assert.Empty(t, s.Artifacts())
	assert.Equal(t, 1, s.Len())

	s.AddArtifact(Artifact{Path: "/tmp/x", Name: "x", Type: "file"})
	s.Clear()
	assert.Empty(t, s.Artifacts())
	assert.Equal(t, 0, s.Len())
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Blocks: []ContentBlock{
			TextBlock{Text: "reading the file"},
			ToolUseBlock{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "/a"}},
		},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Blocks, 2)
	assert.Equal(t, "reading the file", back.Text())

	uses := back.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "call_1", uses[0].ID)
	assert.Equal(t, "read_file", uses[0].Name)
	assert.Equal(t, "/a", uses[0].Input["path"])
}

func TestSaveAndLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := New("persisted")
	require.NoError(t, err)
	s.WorkMode = "build"
	s.Append(NewUserText("hello"))
	s.Append(NewAssistant([]ContentBlock{
		TextBlock{Text: "done"},
		ToolResultBlock{ToolUseID: "call_9", Content: "ok"},
	}))
	require.NoError(t, s.Save())

	loaded, err := Load("persisted")
	require.NoError(t, err)
	assert.Equal(t, "build", loaded.WorkMode)
	require.Equal(t, 2, loaded.Len())
	assert.Equal(t, "hello", loaded.Messages()[0].Text())
}

func TestMalformedToolUseMarker(t *testing.T) {
	blk := ToolUseBlock{
		ID:   "call_1",
		Name: "read_file",
		Input: map[string]any{
			InputErrorKey: "tool arguments are not valid JSON",
			InputRawKey:   `{"path": <<<`,
		},
	}
	assert.True(t, blk.InputMalformed())
	assert.Equal(t, `{"path": <<<`, blk.RawInput())

	ok := ToolUseBlock{ID: "call_2", Name: "read_file", Input: map[string]any{"path": "/a"}}
	assert.False(t, ok.InputMalformed())
}
