package agent

import (
	"sync"
	"time"

	"factotum/errors"
	"factotum/session"
)

// Listener receives the agent's outbound notifications. Implementations must
// not block: long-running reactions belong on their own goroutine. Embed
// NopListener to implement a subset.
type Listener interface {
	OnStageChanged(stage session.Stage, detail string)
	OnTokenEmitted(token string)
	OnToolCallStarted(callID, name string, input map[string]any)
	OnToolCallFinished(callID, status, errMsg string)
	OnToolOutputChunk(callID, stream, chunk string)
	OnHistoryChanged(messages []session.Message)
	OnError(message string, kind errors.Kind)
	OnConfirmationRequested(req ConfirmationRequest)
	OnQuestionRequested(req QuestionRequest)
	OnArtifactCreated(artifact session.Artifact)
	OnTodoRecommended(analysis TaskAnalysis)
}

// ConfirmationRequest asks the user to approve one tool call.
type ConfirmationRequest struct {
	ID       string
	ToolName string
	Input    map[string]any
}

// QuestionRequest asks the user a free-text question, optionally with
// suggested options.
type QuestionRequest struct {
	ID       string
	Question string
	Options  []string
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) OnStageChanged(session.Stage, string)             {}
func (NopListener) OnTokenEmitted(string)                            {}
func (NopListener) OnToolCallStarted(string, string, map[string]any) {}
func (NopListener) OnToolCallFinished(string, string, string)        {}
func (NopListener) OnToolOutputChunk(string, string, string)         {}
func (NopListener) OnHistoryChanged([]session.Message)               {}
func (NopListener) OnError(string, errors.Kind)                      {}
func (NopListener) OnConfirmationRequested(ConfirmationRequest)      {}
func (NopListener) OnQuestionRequested(QuestionRequest)              {}
func (NopListener) OnArtifactCreated(session.Artifact)               {}
func (NopListener) OnTodoRecommended(TaskAnalysis)                   {}

const (
	coalesceCount    = 8
	coalesceInterval = 50 * time.Millisecond
)

// tokenCoalescer bounds notification frequency: tokens are buffered and
// flushed to the listener either after coalesceCount tokens or after
// coalesceInterval, whichever comes first.
type tokenCoalescer struct {
	emit func(string)

	mu      sync.Mutex
	buf     []byte
	pending int
	timer   *time.Timer
}

func newTokenCoalescer(emit func(string)) *tokenCoalescer {
	return &tokenCoalescer{emit: emit}
}

func (c *tokenCoalescer) Add(token string) {
	c.mu.Lock()
	c.buf = append(c.buf, token...)
	c.pending++
	if c.pending >= coalesceCount {
		c.flushLocked()
		c.mu.Unlock()
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(coalesceInterval, c.Flush)
	}
	c.mu.Unlock()
}

// Flush emits whatever is buffered. Called at stream end and by the interval
// timer.
func (c *tokenCoalescer) Flush() {
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
}

func (c *tokenCoalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if len(c.buf) == 0 {
		c.pending = 0
		return
	}
	out := string(c.buf)
	c.buf = c.buf[:0]
	c.pending = 0
	c.emit(out)
}
