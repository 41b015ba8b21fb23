package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factotum/config"
	"factotum/errors"
	"factotum/llm"
	"factotum/session"
	"factotum/tools"
)

// stubClient plays back scripted turns, one per StreamChat call.
type stubClient struct {
	turns []stubTurn
	calls int
}

type stubTurn struct {
	blocks []session.ContentBlock
	err    error
}

func (s *stubClient) StreamChat(_ context.Context, req *llm.ChatRequest) ([]session.ContentBlock, error) {
	if s.calls >= len(s.turns) {
		return nil, errors.New("stub script exhausted after %d calls", s.calls)
	}
	turn := s.turns[s.calls]
	s.calls++
	if turn.err != nil {
		return nil, turn.err
	}
	if req.OnToken != nil {
		for _, b := range turn.blocks {
			if tb, ok := b.(session.TextBlock); ok {
				req.OnToken(tb.Text)
			}
		}
	}
	return turn.blocks, nil
}

func (s *stubClient) Ping(context.Context) error { return nil }

// recordingListener captures every notification for assertions. respond, when
// set, is invoked on each confirmation request from its own goroutine.
type recordingListener struct {
	mu        sync.Mutex
	stages    []session.Stage
	details   []string
	tokens    []string
	started   []string
	finished  []string
	streams   []string
	chunks    []string
	errs      []string
	kinds     []errors.Kind
	todos     []TaskAnalysis
	artifacts []session.Artifact
	confirms  []ConfirmationRequest
	questions []QuestionRequest

	respond func(req ConfirmationRequest)
}

func (r *recordingListener) OnStageChanged(stage session.Stage, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	r.details = append(r.details, detail)
}

func (r *recordingListener) OnTokenEmitted(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
}

func (r *recordingListener) OnToolCallStarted(callID, name string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, name)
}

func (r *recordingListener) OnToolCallFinished(callID, status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func (r *recordingListener) OnToolOutputChunk(_, stream, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingListener) OnHistoryChanged([]session.Message) {}

func (r *recordingListener) OnError(message string, kind errors.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, message)
	r.kinds = append(r.kinds, kind)
}

func (r *recordingListener) OnConfirmationRequested(req ConfirmationRequest) {
	r.mu.Lock()
	r.confirms = append(r.confirms, req)
	respond := r.respond
	r.mu.Unlock()
	if respond != nil {
		go respond(req)
	}
}

func (r *recordingListener) OnQuestionRequested(req QuestionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, req)
}

func (r *recordingListener) OnArtifactCreated(a session.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
}

func (r *recordingListener) OnTodoRecommended(a TaskAnalysis) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.todos = append(r.todos, a)
}

func (r *recordingListener) stageLog() []session.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Stage(nil), r.stages...)
}

// fakeTool is a scriptable in-test tool.
type fakeTool struct {
	name     string
	output   string
	err      error
	category tools.Category
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (f *fakeTool) Execute(context.Context, map[string]any) (string, error) {
	return f.output, f.err
}
func (f *fakeTool) Category() tools.Category { return f.category }

func newTestAgent(t *testing.T, client llm.Client, mutate func(*config.Config)) (*Agent, *recordingListener, *session.Session) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	sess, err := session.New("test")
	require.NoError(t, err)

	registry := tools.NewRegistry(cfg)
	t.Cleanup(registry.Close)

	lis := &recordingListener{}
	a := New(cfg, sess, client, registry, lis)
	a.sleep = func(time.Duration) {}
	return a, lis, sess
}

func TestScenarioPlainTextAnswer(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{session.TextBlock{Text: "Hi"}}},
	}}
	a, lis, sess := newTestAgent(t, client, nil)

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "Hello"}))

	assert.Equal(t, []session.Stage{session.StageThinking, session.StageFeedback, session.StageIdle}, lis.stageLog())

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Text())
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi", msgs[1].Text())
}

func TestScenarioSingleToolRoundTrip(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{
			session.ToolUseBlock{ID: "toolu_1", Name: "read_file", Input: map[string]any{"path": "/a"}},
		}},
		{blocks: nil},
	}}
	a, lis, sess := newTestAgent(t, client, func(cfg *config.Config) {
		cfg.PreapprovedTools = []string{"read_file"}
	})
	a.registry.Register(&fakeTool{name: "read_file", output: "contents of /a", category: tools.CategoryRead})

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "hi"}))

	want := []session.Stage{
		session.StageThinking,
		session.StagePlanning,
		session.StageExecuting,
		session.StageThinking,
		session.StageFeedback,
		session.StageIdle,
	}
	assert.Equal(t, want, lis.stageLog())

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	results := 0
	for _, b := range msgs[2].Blocks {
		tr, ok := b.(session.ToolResultBlock)
		require.True(t, ok)
		assert.Equal(t, "toolu_1", tr.ToolUseID)
		assert.False(t, tr.IsError)
		assert.Equal(t, "contents of /a", tr.Content)
		results++
	}
	assert.Equal(t, 1, results)
	assert.Equal(t, []string{"read_file"}, lis.started)
	assert.Equal(t, []string{"done"}, lis.finished)
}

func TestScenarioRateLimitRetry(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{err: errors.NewKind(errors.KindRateLimit, "429 too many requests")},
		{blocks: []session.ContentBlock{session.TextBlock{Text: "Hi"}}},
	}}

	var waits []time.Duration
	a, lis, sess := newTestAgent(t, client, nil)
	a.sleep = func(d time.Duration) { waits = append(waits, d) }

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "Hello"}))

	require.Len(t, waits, 1)
	assert.Equal(t, 1*time.Second, waits[0])
	assert.Empty(t, lis.errs)

	// history matches the immediate-success case
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[1].Text())
	assert.Equal(t, 2, client.calls)
}

func TestRateLimitBackoffGrowsAndCaps(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{err: errors.NewKind(errors.KindRateLimit, "429")},
		{err: errors.NewKind(errors.KindRateLimit, "429")},
		{err: errors.NewKind(errors.KindRateLimit, "429")},
		{err: errors.NewKind(errors.KindRateLimit, "429")},
		{blocks: []session.ContentBlock{session.TextBlock{Text: "Hi"}}},
	}}
	var waits []time.Duration
	a, _, _ := newTestAgent(t, client, nil)
	a.sleep = func(d time.Duration) { waits = append(waits, d) }

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "Hello"}))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, waits)
}

func TestScenarioBusyRejection(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &gateClient{started: started, release: release}
	a, _, sess := newTestAgent(t, client, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Submit(context.Background(), Submission{Text: "first"}) }()
	<-started

	err := a.Submit(context.Background(), Submission{Text: "second"})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-errCh)

	// no duplicate user message from the rejected submit
	var userTexts []string
	for _, m := range sess.Messages() {
		if m.Role == session.RoleUser {
			userTexts = append(userTexts, m.Text())
		}
	}
	assert.Equal(t, []string{"first"}, userTexts)
}

// gateClient blocks inside StreamChat until released, or returns partial text
// when the context is cancelled first.
type gateClient struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateClient) StreamChat(ctx context.Context, _ *llm.ChatRequest) ([]session.ContentBlock, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return []session.ContentBlock{session.TextBlock{Text: "done"}}, nil
	case <-ctx.Done():
		return []session.ContentBlock{session.TextBlock{Text: "partial answ"}}, ctx.Err()
	}
}

func (g *gateClient) Ping(context.Context) error { return nil }

func TestAbortPreservesPartialText(t *testing.T) {
	started := make(chan struct{})
	client := &gateClient{started: started, release: make(chan struct{})}
	a, lis, sess := newTestAgent(t, client, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Submit(context.Background(), Submission{Text: "long task"}) }()
	<-started

	a.Abort()
	require.NoError(t, <-errCh)

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "partial answ", msgs[1].Text())
	assert.Empty(t, lis.errs)
	assert.False(t, a.Processing())
}

func TestSensitiveContentRetriesWithCorrectiveInstruction(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{err: errors.NewKind(errors.KindSensitiveContent, "blocked by safety filter")},
		{blocks: []session.ContentBlock{session.TextBlock{Text: "rephrased answer"}}},
	}}
	a, lis, sess := newTestAgent(t, client, nil)

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "Hello"}))

	msgs := sess.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, session.RoleUser, msgs[1].Role)
	assert.Equal(t, correctiveInstruction, msgs[1].Text())
	assert.Equal(t, "rephrased answer", msgs[2].Text())
	assert.Empty(t, lis.errs)
}

func TestSensitiveContentRetryLimitIsTerminal(t *testing.T) {
	blocked := stubTurn{err: errors.NewKind(errors.KindSensitiveContent, "blocked by safety filter")}
	client := &stubClient{turns: []stubTurn{blocked, blocked, blocked, blocked}}
	a, lis, _ := newTestAgent(t, client, nil)

	err := a.Submit(context.Background(), Submission{Text: "Hello"})
	require.Error(t, err)
	assert.Equal(t, errors.KindSensitiveContent, errors.Classify(err))
	require.Len(t, lis.kinds, 1)
	assert.Equal(t, errors.KindSensitiveContent, lis.kinds[0])
	assert.Equal(t, 4, client.calls)
}

func TestUnknownErrorPropagates(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{err: errors.New("something odd happened")},
	}}
	a, lis, _ := newTestAgent(t, client, nil)

	err := a.Submit(context.Background(), Submission{Text: "Hello"})
	require.Error(t, err)
	require.Len(t, lis.errs, 1)
	assert.Contains(t, lis.errs[0], "something odd happened")
	assert.Equal(t, session.StageIdle, lis.stageLog()[len(lis.stageLog())-1])
}

func TestSubmitRejectsTooManyImages(t *testing.T) {
	client := &stubClient{}
	a, _, sess := newTestAgent(t, client, func(cfg *config.Config) {
		cfg.Limits.MaxImageAttachments = 1
	})

	img := session.ImageBlock{MediaType: "image/png", Data: []byte{1}}
	err := a.Submit(context.Background(), Submission{Text: "x", Images: []session.ImageBlock{img, img}})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.Classify(err))
	assert.Equal(t, 0, sess.Len())
	assert.Equal(t, 0, client.calls)
}

func TestSubmitDropsOversizedImagesSilently(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{session.TextBlock{Text: "ok"}}},
	}}
	a, _, sess := newTestAgent(t, client, func(cfg *config.Config) {
		cfg.Limits.MaxImageBytes = 4
	})

	small := session.ImageBlock{MediaType: "image/png", Data: []byte{1, 2}}
	big := session.ImageBlock{MediaType: "image/png", Data: []byte{1, 2, 3, 4, 5, 6}}
	bad := session.ImageBlock{MediaType: "image/tiff", Data: []byte{1}}
	require.NoError(t, a.Submit(context.Background(), Submission{
		Text: "x", Images: []session.ImageBlock{small, big, bad},
	}))

	msgs := sess.Messages()
	images := 0
	for _, b := range msgs[0].Blocks {
		if _, ok := b.(session.ImageBlock); ok {
			images++
		}
	}
	assert.Equal(t, 1, images)
}

func TestPlanDirectiveInjection(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{session.TextBlock{Text: "plan..."}}},
	}}
	a, lis, sess := newTestAgent(t, client, nil)

	task := "Build a REST API, write tests, and deploy it"
	require.NoError(t, a.Submit(context.Background(), Submission{Text: task}))

	require.Len(t, lis.todos, 1)
	assert.True(t, lis.todos[0].RequiresTodo)
	assert.GreaterOrEqual(t, lis.todos[0].EstimatedSteps, 3)
	assert.Contains(t, sess.Messages()[0].Text(), task)
	assert.Contains(t, sess.Messages()[0].Text(), "numbered plan")
}

func TestNoPlanDirectiveForSimpleQuestion(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{session.TextBlock{Text: "Paris"}}},
	}}
	a, lis, sess := newTestAgent(t, client, nil)

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "What is the capital of France?"}))
	assert.Empty(t, lis.todos)
	assert.Equal(t, "What is the capital of France?", sess.Messages()[0].Text())
}

func TestIterationLimit(t *testing.T) {
	toolTurn := stubTurn{blocks: []session.ContentBlock{
		session.ToolUseBlock{ID: "t", Name: "loop_tool", Input: map[string]any{}},
	}}
	turns := make([]stubTurn, 0, 40)
	for i := 0; i < 40; i++ {
		turns = append(turns, toolTurn)
	}
	client := &stubClient{turns: turns}
	a, _, _ := newTestAgent(t, client, func(cfg *config.Config) {
		cfg.Limits.MaxIterations = 3
		cfg.PreapprovedTools = []string{"loop_tool"}
		cfg.Toolsets = []config.Toolset{{Name: "default", Tools: []string{"loop_tool"}}}
	})
	a.registry.Register(&fakeTool{name: "loop_tool", output: "again"})

	err := a.Submit(context.Background(), Submission{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 iterations")
	assert.Equal(t, 3, client.calls)
}

func TestSetWorkModeInvalidatesCache(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{session.TextBlock{Text: "a"}}},
		{blocks: []session.ContentBlock{session.TextBlock{Text: "b"}}},
	}}
	a, _, _ := newTestAgent(t, client, nil)

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "hi"}))
	assert.True(t, a.cache.valid)

	require.NoError(t, a.SetWorkMode("chat"))
	assert.False(t, a.cache.valid)

	assert.Error(t, a.SetWorkMode("no-such-mode"))
}

func TestToolDenialBecomesRefusalResult(t *testing.T) {
	client := &stubClient{turns: []stubTurn{
		{blocks: []session.ContentBlock{
			session.ToolUseBlock{ID: "toolu_9", Name: "write_file", Input: map[string]any{"path": "x", "content": "y"}},
		}},
		{blocks: []session.ContentBlock{session.TextBlock{Text: "understood"}}},
	}}
	a, lis, sess := newTestAgent(t, client, nil)
	lis.respond = func(req ConfirmationRequest) {
		a.RespondConfirmation(req.ID, false)
	}

	require.NoError(t, a.Submit(context.Background(), Submission{Text: "hi"}))

	msgs := sess.Messages()
	require.Len(t, msgs, 4)
	tr := msgs[2].Blocks[0].(session.ToolResultBlock)
	assert.Equal(t, "toolu_9", tr.ToolUseID)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "declined")
	assert.Equal(t, []string{"error"}, lis.finished)
}
