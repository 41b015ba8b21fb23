package llm

import (
	"context"

	"factotum/session"
)

// MockClient is an offline stand-in used when no provider is configured and
// by tests. Responses are taken from Script in order; when the script is
// exhausted (or empty) a canned text reply is produced.
type MockClient struct {
	// Script holds pre-baked turns returned one per StreamChat call.
	Script [][]session.ContentBlock
	// Err, when set, is returned by every call instead of a response.
	Err error

	calls int
}

func (m *MockClient) StreamChat(_ context.Context, req *ChatRequest) ([]session.ContentBlock, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.calls < len(m.Script) {
		blocks := m.Script[m.calls]
		m.calls++
		if req.OnToken != nil {
			for _, b := range blocks {
				if tb, ok := b.(session.TextBlock); ok {
					req.OnToken(tb.Text)
				}
			}
		}
		return blocks, nil
	}
	reply := "mock response"
	if req.OnToken != nil {
		req.OnToken(reply)
	}
	return []session.ContentBlock{session.TextBlock{Text: reply}}, nil
}

func (m *MockClient) Ping(context.Context) error {
	return m.Err
}
