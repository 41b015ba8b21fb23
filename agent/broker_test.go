package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerConfirmationRoundTrip(t *testing.T) {
	lis := &recordingListener{}
	b := NewBroker(lis)

	done := make(chan bool, 1)
	go func() {
		done <- b.RequestConfirmation(context.Background(), ConfirmationRequest{ID: "c1", ToolName: "write_file"})
	}()

	require.Eventually(t, func() bool {
		lis.mu.Lock()
		defer lis.mu.Unlock()
		return len(lis.confirms) == 1
	}, time.Second, 5*time.Millisecond)

	b.RespondConfirmation("c1", true)
	assert.True(t, <-done)
}

func TestBrokerUnknownIDIsNoOp(t *testing.T) {
	b := NewBroker(&recordingListener{})
	b.RespondConfirmation("never-registered", true)
	b.RespondQuestion("never-registered", "answer")
}

func TestBrokerTeardownDeniesPending(t *testing.T) {
	lis := &recordingListener{}
	b := NewBroker(lis)

	confirmed := make(chan bool, 1)
	answered := make(chan string, 1)
	go func() {
		confirmed <- b.RequestConfirmation(context.Background(), ConfirmationRequest{ID: "c1"})
	}()
	go func() {
		answered <- b.AskUser(context.Background(), "which one?", []string{"a", "b"})
	}()

	require.Eventually(t, func() bool {
		lis.mu.Lock()
		defer lis.mu.Unlock()
		return len(lis.confirms) == 1 && len(lis.questions) == 1
	}, time.Second, 5*time.Millisecond)

	b.Teardown()
	assert.False(t, <-confirmed)
	assert.Equal(t, ClosedAnswer, <-answered)

	// resolved exactly once: a late response for the same id is a no-op
	b.RespondConfirmation("c1", true)
}

func TestBrokerCancellationDenies(t *testing.T) {
	b := NewBroker(&recordingListener{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, b.RequestConfirmation(ctx, ConfirmationRequest{ID: "c1"}))
	assert.Equal(t, ClosedAnswer, b.AskUser(ctx, "q", nil))
}

func TestBrokerQuestionRoundTrip(t *testing.T) {
	lis := &recordingListener{}
	b := NewBroker(lis)

	answered := make(chan string, 1)
	go func() {
		answered <- b.AskUser(context.Background(), "pick a color", []string{"red", "blue"})
	}()

	require.Eventually(t, func() bool {
		lis.mu.Lock()
		defer lis.mu.Unlock()
		return len(lis.questions) == 1
	}, time.Second, 5*time.Millisecond)

	lis.mu.Lock()
	id := lis.questions[0].ID
	lis.mu.Unlock()
	require.NotEmpty(t, id)

	b.RespondQuestion(id, "blue")
	assert.Equal(t, "blue", <-answered)
}
