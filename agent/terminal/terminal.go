// Package terminal is the interactive CLI surface. It implements the agent
// listener, streams assistant text to stdout and answers confirmation and
// question requests from stdin.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"factotum/agent"
	"factotum/errors"
	"factotum/session"
)

// Verbosity controls how much tool activity is printed.
type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// Terminal handles the terminal/CLI interaction mode for the agent.
type Terminal struct {
	agent.NopListener

	agent     *agent.Agent
	verbosity Verbosity
	in        *bufio.Reader
	out       io.Writer

	mu        sync.Mutex
	streaming bool
}

// New creates a terminal surface. The terminal is passed to agent.New as
// the listener, then bound to the agent with Bind before Run.
func New(verbosity Verbosity) *Terminal {
	return &Terminal{
		verbosity: verbosity,
		in:        bufio.NewReader(os.Stdin),
		out:       os.Stdout,
	}
}

// Bind attaches the agent the terminal drives.
func (t *Terminal) Bind(a *agent.Agent) {
	t.agent = a
}

// Run starts the interactive session. An interrupt aborts the in-flight
// cycle instead of killing the process.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			fmt.Fprintln(t.out, "\n(aborting, press Ctrl+C again after the cycle stops to quit)")
			t.agent.Abort()
		}
	}()

	if initialPrompt != "" {
		t.submit(ctx, initialPrompt)
	}

	for {
		fmt.Fprint(t.out, "You: ")
		line, err := t.in.ReadString('\n')
		if err == io.EOF {
			t.agent.Teardown()
			return nil
		}
		if err != nil {
			return err
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			t.agent.Teardown()
			return nil
		}
		if mode, ok := strings.CutPrefix(input, "/mode "); ok {
			if err := t.agent.SetWorkMode(strings.TrimSpace(mode)); err != nil {
				fmt.Fprintf(t.out, "Error: %v\n", err)
			} else {
				fmt.Fprintf(t.out, "Switched to work mode %q.\n", strings.TrimSpace(mode))
			}
			continue
		}
		t.submit(ctx, input)
	}
}

// submit runs one cycle; errors were already surfaced through OnError.
func (t *Terminal) submit(ctx context.Context, text string) {
	if err := t.agent.Submit(ctx, agent.Submission{Text: text}); err != nil && errors.Classify(err) == errors.KindValidation {
		fmt.Fprintf(t.out, "Error: %v\n", err)
	}
}

// Token flushes can arrive from the coalescer's timer goroutine, so every
// write that can interleave with them holds the mutex.
func (t *Terminal) OnTokenEmitted(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.streaming {
		fmt.Fprint(t.out, "factotum: ")
		t.streaming = true
	}
	fmt.Fprint(t.out, token)
}

func (t *Terminal) OnStageChanged(stage session.Stage, detail string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streaming && (stage == session.StageFeedback || stage == session.StageIdle || stage == session.StagePlanning) {
		fmt.Fprintln(t.out)
		t.streaming = false
	}
	if detail != "" && t.verbosity != VerbosityNone {
		fmt.Fprintf(t.out, "[%s] %s\n", stage, detail)
	}
}

func (t *Terminal) OnToolCallStarted(callID, name string, input map[string]any) {
	switch t.verbosity {
	case VerbosityAll:
		fmt.Fprintf(t.out, "Running tool `%s` with args: %v\n", name, input)
	case VerbosityInfo:
		fmt.Fprintf(t.out, "Running tool `%s`\n", name)
	}
}

func (t *Terminal) OnToolCallFinished(callID, status, errMsg string) {
	if t.verbosity == VerbosityAll && errMsg != "" {
		fmt.Fprintf(t.out, "Tool finished with %s: %s\n", status, errMsg)
	}
}

func (t *Terminal) OnToolOutputChunk(callID, stream, chunk string) {
	if t.verbosity != VerbosityAll {
		return
	}
	if stream == "stderr" {
		fmt.Fprintf(t.out, "[stderr] %s", chunk)
		return
	}
	fmt.Fprint(t.out, chunk)
}

func (t *Terminal) OnError(message string, kind errors.Kind) {
	fmt.Fprintf(t.out, "Error: %s\n", message)
}

func (t *Terminal) OnTodoRecommended(a agent.TaskAnalysis) {
	fmt.Fprintf(t.out, "This looks like a %s task (%s); planning first.\n", a.Complexity, a.Reason)
}

// OnConfirmationRequested prompts synchronously: the broker's buffered
// channel receives the answer before it starts waiting, so answering from
// the notification itself cannot deadlock.
func (t *Terminal) OnConfirmationRequested(req agent.ConfirmationRequest) {
	fmt.Fprintf(t.out, "factotum wants to run `%s` with args: %v\n", req.ToolName, req.Input)
	fmt.Fprint(t.out, "Allow? [y]es / [n]o / [a]lways: ")
	answer, _ := t.in.ReadString('\n')
	switch strings.TrimSpace(strings.ToLower(answer)) {
	case "y", "yes":
		t.agent.RespondConfirmation(req.ID, true)
	case "a", "always":
		t.agent.RememberApproval(req.ToolName, "")
		t.agent.RespondConfirmation(req.ID, true)
	default:
		t.agent.RespondConfirmation(req.ID, false)
	}
}

func (t *Terminal) OnQuestionRequested(req agent.QuestionRequest) {
	fmt.Fprintf(t.out, "factotum asks: %s\n", req.Question)
	if len(req.Options) > 0 {
		fmt.Fprintf(t.out, "Options: %s\n", strings.Join(req.Options, ", "))
	}
	fmt.Fprint(t.out, "> ")
	answer, _ := t.in.ReadString('\n')
	t.agent.RespondQuestion(req.ID, strings.TrimSpace(answer))
}

func (t *Terminal) OnArtifactCreated(a session.Artifact) {
	if t.verbosity != VerbosityNone {
		fmt.Fprintf(t.out, "Created %s (%s)\n", a.Path, a.Type)
	}
}
