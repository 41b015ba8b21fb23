package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"factotum/logging"
)

// ClosedAnswer is the sentinel a pending question resolves to when the
// surface that owns it disappears.
const ClosedAnswer = "closed"

// Broker correlates asynchronous human decisions with the tool requests that
// wait on them. Two independent pending tables: confirmations resolve to a
// boolean, questions to free text. Every entry is resolved exactly once,
// either by a response or by Teardown's fail-safe default.
type Broker struct {
	listener Listener

	mu        sync.Mutex
	confirms  map[string]chan bool
	questions map[string]chan string
}

func NewBroker(listener Listener) *Broker {
	return &Broker{
		listener:  listener,
		confirms:  make(map[string]chan bool),
		questions: make(map[string]chan string),
	}
}

// RequestConfirmation registers a pending approval, notifies the listener and
// blocks until a response, teardown, or cancellation. Cancellation counts as
// denial.
func (b *Broker) RequestConfirmation(ctx context.Context, req ConfirmationRequest) bool {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan bool, 1)
	b.mu.Lock()
	b.confirms[req.ID] = ch
	b.mu.Unlock()

	b.listener.OnConfirmationRequested(req)

	select {
	case approved := <-ch:
		return approved
	case <-ctx.Done():
		b.remove(req.ID)
		return false
	}
}

// AskUser registers a pending question, notifies the listener and blocks
// until an answer, teardown, or cancellation.
func (b *Broker) AskUser(ctx context.Context, question string, options []string) string {
	req := QuestionRequest{ID: uuid.NewString(), Question: question, Options: options}
	ch := make(chan string, 1)
	b.mu.Lock()
	b.questions[req.ID] = ch
	b.mu.Unlock()

	b.listener.OnQuestionRequested(req)

	select {
	case answer := <-ch:
		return answer
	case <-ctx.Done():
		b.remove(req.ID)
		return ClosedAnswer
	}
}

// RespondConfirmation resolves a pending confirmation. Unknown ids are a
// silent no-op, which makes duplicate responses idempotent.
func (b *Broker) RespondConfirmation(id string, approved bool) {
	b.mu.Lock()
	ch, ok := b.confirms[id]
	if ok {
		delete(b.confirms, id)
	}
	b.mu.Unlock()
	if ok {
		ch <- approved
	}
}

// RespondQuestion resolves a pending question. Unknown ids are a silent
// no-op.
func (b *Broker) RespondQuestion(id, answer string) {
	b.mu.Lock()
	ch, ok := b.questions[id]
	if ok {
		delete(b.questions, id)
	}
	b.mu.Unlock()
	if ok {
		ch <- answer
	}
}

// Teardown resolves every still-pending entry to its fail-safe default:
// confirmations deny, questions answer ClosedAnswer. Called when the surface
// owning the requests disconnects.
func (b *Broker) Teardown() {
	b.mu.Lock()
	confirms := b.confirms
	questions := b.questions
	b.confirms = make(map[string]chan bool)
	b.questions = make(map[string]chan string)
	b.mu.Unlock()

	if len(confirms)+len(questions) > 0 {
		logging.Info("broker teardown", "confirmations", len(confirms), "questions", len(questions))
	}
	for _, ch := range confirms {
		ch <- false
	}
	for _, ch := range questions {
		ch <- ClosedAnswer
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.confirms, id)
	delete(b.questions, id)
	b.mu.Unlock()
}
