// Package llm normalizes heterogeneous model backends into a single streamed
// content-block result. Two incompatible wire styles are reconciled: the
// block-framed shape (explicit begin/delta/end markers per content block,
// used by Anthropic directly and via Bedrock) and the delta-accumulation
// shape (positional tool-call argument fragments, used by OpenAI-compatible
// endpoints). Gemini streams complete parts per chunk and needs neither.
package llm

import (
	"context"
	"os"

	"factotum/config"
	"factotum/errors"
	"factotum/session"
)

// ToolSchema describes one callable tool to the provider.
type ToolSchema struct {
	Name        string
	Description string
	// Parameters is a JSON schema of the form
	// {"type":"object","properties":{...},"required":[...]}.
	Parameters map[string]any
}

// ChatRequest carries everything one streaming call needs. OnToken, when set,
// receives plain-text deltas as they arrive; it must not block.
type ChatRequest struct {
	System    string
	Messages  []session.Message
	Tools     []ToolSchema
	MaxTokens int
	OnToken   func(token string)
}

// Client is the provider adapter interface.
//
// StreamChat returns the ordered content blocks of one assistant turn. On
// cancellation, any buffered text is flushed as a final block and returned
// alongside ctx.Err() so partial output is preserved. Malformed tool-call
// arguments never produce an error; they yield a ToolUseBlock carrying the
// error marker and the raw text.
//
// Ping is a lightweight connectivity probe: minimal token budget, no tools.
type Client interface {
	StreamChat(ctx context.Context, req *ChatRequest) ([]session.ContentBlock, error)
	Ping(ctx context.Context) error
}

// New builds a client for the configured provider.
func New(ctx context.Context, p config.Provider) (Client, error) {
	switch p.Name {
	case "anthropic":
		return newAnthropicClient(p)
	case "openai":
		return newOpenAIClient(p)
	case "bedrock":
		return newBedrockClient(ctx, p)
	case "gemini":
		return newGeminiClient(ctx, p)
	case "mock", "":
		return &MockClient{}, nil
	default:
		return nil, errors.NewKind(errors.KindConfiguration, "unknown provider %q", p.Name)
	}
}

// credential resolves the API key for a provider, honoring the configured
// env override first.
func credential(p config.Provider, defaultEnv string) (string, error) {
	env := p.CredentialEnv
	if env == "" {
		env = defaultEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return "", errors.NewKind(errors.KindConfiguration, "%s environment variable not set", env)
	}
	return key, nil
}
