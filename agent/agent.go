// Package agent implements the orchestration core: the submission cycle that
// drives THINKING, PLANNING, EXECUTING and FEEDBACK, the sequential tool
// executor with permission gating, the confirmation broker and the task
// complexity analyzer.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"factotum/config"
	"factotum/errors"
	"factotum/llm"
	"factotum/logging"
	"factotum/session"
	"factotum/tools"
)

const (
	backoffBase         = 1 * time.Second
	backoffCap          = 5 * time.Second
	sensitiveRetryLimit = 3
)

// ErrBusy is returned by Submit while a prior cycle is still in flight.
var ErrBusy = errors.NewKind(errors.KindValidation, "a submission is already being processed")

// supportedImageTypes is the attachment encoding allow-list.
var supportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// correctiveInstruction is appended to history when the provider's safety
// filter blocks a response, before retrying.
const correctiveInstruction = "Your previous response was blocked by a safety filter. Rephrase your answer to avoid restricted content and respond again."

// Submission is one user input: text plus optional image attachments.
type Submission struct {
	Text   string
	Images []session.ImageBlock
}

// ProviderUpdate changes provider settings at runtime. Empty fields are left
// unchanged.
type ProviderUpdate struct {
	Model         string
	Endpoint      string
	CredentialEnv string
}

// Agent composes the provider adapter, tool executor, broker and state
// manager into one canonical submission loop. Exactly one cycle runs at a
// time; the cycle runs on the submitting goroutine while responses and
// aborts arrive from surface goroutines.
type Agent struct {
	cfg      *config.Config
	sess     *session.Session
	registry *tools.Registry
	listener Listener
	broker   *Broker
	prompts  PromptBuilder
	perms    *MemoryPermissionStore
	paths    PathAuthority
	executor *toolExecutor
	cache    toolCache

	processing atomic.Bool

	mu     sync.Mutex
	client llm.Client
	cancel context.CancelFunc

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// New wires an agent from its collaborators. The listener must not be nil;
// pass NopListener{} for a headless agent.
func New(cfg *config.Config, sess *session.Session, client llm.Client, registry *tools.Registry, listener Listener) *Agent {
	a := &Agent{
		cfg:      cfg,
		sess:     sess,
		client:   client,
		registry: registry,
		listener: listener,
		broker:   NewBroker(listener),
		prompts:  NewPromptBuilder(cfg),
		perms:    NewMemoryPermissionStore(cfg.PreapprovedTools),
		paths:    NewPathAuthority(cfg.AuthorizedPaths),
		sleep:    time.Sleep,
	}
	a.executor = &toolExecutor{
		sess:     sess,
		broker:   a.broker,
		listener: listener,
		perms:    a.perms,
		paths:    a.paths,
	}
	sess.SetObserver(sessionListener{listener})
	return a
}

// sessionListener forwards session notifications to the agent listener.
type sessionListener struct {
	l Listener
}

func (s sessionListener) StageChanged(stage session.Stage, detail string) {
	s.l.OnStageChanged(stage, detail)
}

func (s sessionListener) HistoryChanged(messages []session.Message) {
	s.l.OnHistoryChanged(messages)
}

// Submit runs one full submission cycle on the calling goroutine. A second
// Submit while one is in flight returns ErrBusy without touching history.
func (a *Agent) Submit(ctx context.Context, sub Submission) error {
	if !a.processing.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer a.processing.Store(false)

	images, err := a.validateImages(sub.Images)
	if err != nil {
		a.notifyError(err)
		return err
	}

	cctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		a.sess.SetStage(session.StageIdle, "")
		a.listener.OnHistoryChanged(a.sess.Messages())
		if err := a.sess.Save(); err != nil {
			logging.Warn("failed to save session", "error", err)
		}
	}()

	text := sub.Text
	analysis := AnalyzeTask(text)
	if analysis.RequiresTodo {
		a.listener.OnTodoRecommended(analysis)
		text = planDirective + text
	}

	blocks := []session.ContentBlock{session.TextBlock{Text: text}}
	for _, img := range images {
		blocks = append(blocks, img)
	}
	a.sess.Append(session.NewUserBlocks(blocks))

	if err := a.runLoop(cctx); err != nil {
		a.notifyError(err)
		return err
	}
	return nil
}

// validateImages enforces the attachment constraints: exceeding the count
// limit fails the whole submission, oversized or unsupported attachments are
// dropped silently.
func (a *Agent) validateImages(images []session.ImageBlock) ([]session.ImageBlock, error) {
	if len(images) > a.cfg.Limits.MaxImageAttachments {
		return nil, errors.NewKind(errors.KindValidation,
			"too many image attachments: %d (limit %d)", len(images), a.cfg.Limits.MaxImageAttachments)
	}
	kept := images[:0:0]
	for _, img := range images {
		if !supportedImageTypes[img.MediaType] {
			logging.Warn("dropping attachment with unsupported media type", "media_type", img.MediaType)
			continue
		}
		if len(img.Data) > a.cfg.Limits.MaxImageBytes {
			logging.Warn("dropping oversized attachment", "bytes", len(img.Data), "limit", a.cfg.Limits.MaxImageBytes)
			continue
		}
		kept = append(kept, img)
	}
	return kept, nil
}

// runLoop is the canonical think/plan/execute cycle, bounded by the
// configured iteration budget. Rate-limited calls repeat the same iteration
// after a backoff; safety-filter blocks retry a bounded number of times with
// a corrective instruction appended.
func (a *Agent) runLoop(ctx context.Context) error {
	rateRetries := 0
	sensitiveRetries := 0

	for iteration := 0; iteration < a.cfg.Limits.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return nil
		}

		active, schemas, prompt, err := a.resolve()
		if err != nil {
			return err
		}

		a.sess.SetStage(session.StageThinking, "")
		coalescer := newTokenCoalescer(a.listener.OnTokenEmitted)
		blocks, err := a.clientRef().StreamChat(ctx, &llm.ChatRequest{
			System:    prompt,
			Messages:  a.sess.Messages(),
			Tools:     schemas,
			MaxTokens: a.cfg.Provider.MaxTokens,
			OnToken:   func(token string) { coalescer.Add(token) },
		})
		coalescer.Flush()

		if ctx.Err() != nil {
			// aborted mid-stream; keep whatever text was flushed
			if len(blocks) > 0 {
				a.sess.Append(session.NewAssistant(blocks))
			}
			return nil
		}
		if err != nil {
			switch errors.Classify(err) {
			case errors.KindRateLimit:
				rateRetries++
				delay := backoffDelay(rateRetries)
				logging.Info("rate limited, backing off", "attempt", rateRetries, "delay", delay)
				a.sess.SetStage(session.StageThinking, "retrying after rate limit")
				a.sleep(delay)
				iteration--
				continue
			case errors.KindSensitiveContent:
				sensitiveRetries++
				if sensitiveRetries > sensitiveRetryLimit {
					return err
				}
				logging.Info("content filtered, retrying with corrective instruction", "attempt", sensitiveRetries)
				a.sleep(backoffDelay(sensitiveRetries))
				a.sess.Append(session.NewUserText(correctiveInstruction))
				continue
			default:
				return err
			}
		}
		rateRetries = 0

		if len(blocks) == 0 {
			a.sess.SetStage(session.StageFeedback, "")
			return nil
		}
		msg := session.NewAssistant(blocks)
		a.sess.Append(msg)

		calls := msg.ToolUses()
		if len(calls) == 0 {
			a.sess.SetStage(session.StageFeedback, "")
			return nil
		}

		a.sess.SetStage(session.StagePlanning, "")
		results := a.executor.ExecuteAll(ctx, calls, active)
		a.sess.Append(session.NewUserBlocks(results))
		a.sess.SetStage(session.StageThinking, "")
	}

	return errors.New("stopped after %d iterations without a final answer", a.cfg.Limits.MaxIterations)
}

// backoffDelay is exponential in the consecutive-retry counter, capped.
func backoffDelay(attempt int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// resolve returns the active tools, their provider schemas and the system
// prompt through the work-mode memo cache.
func (a *Agent) resolve() (map[string]tools.Tool, []llm.ToolSchema, string, error) {
	mode := a.sess.WorkMode
	if active, schemas, prompt, ok := a.cache.get(mode); ok {
		return indexTools(active), schemas, prompt, nil
	}

	wm, err := a.cfg.GetWorkMode(mode)
	if err != nil {
		return nil, nil, "", err
	}
	toolsetName := wm.Toolset
	if a.sess.Toolset != "" {
		toolsetName = a.sess.Toolset
	}

	var active []tools.Tool
	if toolsetName != "" {
		ts, err := a.cfg.GetToolset(toolsetName)
		if err != nil {
			return nil, nil, "", err
		}
		active, err = a.registry.ActiveTools(ts)
		if err != nil {
			return nil, nil, "", err
		}
	}

	prompt, err := a.prompts.Build(mode)
	if err != nil {
		return nil, nil, "", err
	}

	schemas := make([]llm.ToolSchema, 0, len(active))
	for _, t := range active {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	a.cache.set(mode, active, schemas, prompt)
	return indexTools(active), schemas, prompt, nil
}

func indexTools(ts []tools.Tool) map[string]tools.Tool {
	m := make(map[string]tools.Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return m
}

// Abort cancels the in-flight cycle, if any. Cancellation is observed at
// iteration boundaries and inside the streaming call; a running tool
// execution is not interrupted forcibly.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RespondConfirmation resolves a pending tool confirmation. Unknown ids are
// ignored.
func (a *Agent) RespondConfirmation(id string, approved bool) {
	a.broker.RespondConfirmation(id, approved)
}

// RespondQuestion resolves a pending question. Unknown ids are ignored.
func (a *Agent) RespondQuestion(id, answer string) {
	a.broker.RespondQuestion(id, answer)
}

// Teardown resolves every pending broker request to its fail-safe default.
// Surfaces call this when they disconnect.
func (a *Agent) Teardown() {
	a.broker.Teardown()
}

// RememberApproval preapproves a tool for the rest of the session. An empty
// glob approves it for every path.
func (a *Agent) RememberApproval(tool, pathGlob string) {
	a.perms.Remember(tool, pathGlob)
}

// SetWorkMode switches the active work mode, invalidating the tool cache.
func (a *Agent) SetWorkMode(mode string) error {
	if _, err := a.cfg.GetWorkMode(mode); err != nil {
		return err
	}
	a.sess.WorkMode = mode
	a.cache.invalidate()
	return nil
}

// InvalidateToolCache forces tool and prompt re-resolution on the next
// iteration, used when dynamic tools appear.
func (a *Agent) InvalidateToolCache() {
	a.cache.invalidate()
}

// ClearHistory drops the conversation history. Rejected while a cycle runs.
func (a *Agent) ClearHistory() {
	if a.processing.Load() {
		return
	}
	a.sess.Clear()
}

// ReplaceHistory swaps the conversation history wholesale, used when a
// surface loads a previously saved session.
func (a *Agent) ReplaceHistory(messages []session.Message) {
	if a.processing.Load() {
		return
	}
	a.sess.Replace(messages)
}

// UpdateProviderConfig applies provider overrides and rebuilds the client.
func (a *Agent) UpdateProviderConfig(ctx context.Context, update ProviderUpdate) error {
	p := a.cfg.Provider
	if update.Model != "" {
		p.Model = update.Model
	}
	if update.Endpoint != "" {
		p.Endpoint = update.Endpoint
	}
	if update.CredentialEnv != "" {
		p.CredentialEnv = update.CredentialEnv
	}
	client, err := llm.New(ctx, p)
	if err != nil {
		return err
	}
	a.cfg.Provider = p
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

// AskUser relays a free-text question to the user through the broker.
func (a *Agent) AskUser(ctx context.Context, question string, options []string) string {
	return a.broker.AskUser(ctx, question, options)
}

// Processing reports whether a cycle is currently in flight.
func (a *Agent) Processing() bool {
	return a.processing.Load()
}

func (a *Agent) clientRef() llm.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *Agent) notifyError(err error) {
	kind := errors.Classify(err)
	logging.Error("submission failed", "kind", kind.String(), "error", err)
	a.listener.OnError(errors.UserMessage(err), kind)
}
