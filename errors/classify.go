package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind partitions failures by how the agent loop must react to them.
type Kind int

const (
	// KindUnknown is surfaced verbatim; no retry.
	KindUnknown Kind = iota
	// KindConfiguration covers missing credentials, models, or endpoints. Fatal.
	KindConfiguration
	// KindValidation covers rejected input (bad attachments, busy agent).
	// The error text is already user-facing.
	KindValidation
	// KindRateLimit is retried with backoff without consuming the iteration budget.
	KindRateLimit
	// KindSensitiveContent is retried a bounded number of times with a
	// corrective instruction injected into the conversation.
	KindSensitiveContent
	// KindAuth is fatal and gets a distinct user message.
	KindAuth
	// KindNetwork is surfaced with a generic connectivity message.
	KindNetwork
	// KindToolExecution is recovered locally and converted into a tool result.
	KindToolExecution
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindSensitiveContent:
		return "sensitive_content"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindToolExecution:
		return "tool_execution"
	default:
		return "unknown"
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// WithKind tags err with an explicit classification. Classify honors the tag
// over any heuristic. A nil err returns nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// NewKind creates a pre-classified error.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &classified{kind: kind, err: fmt.Errorf(format, a...)}
}

// KindForStatus maps a provider HTTP status code to a classification.
func KindForStatus(status int) Kind {
	switch status {
	case 401, 403:
		return KindAuth
	case 429:
		return KindRateLimit
	case 529: // anthropic "overloaded"
		return KindRateLimit
	default:
		if status >= 500 {
			return KindNetwork
		}
		return KindUnknown
	}
}

// Classify determines the kind of an arbitrary error. Explicit tags win;
// otherwise the failure text is inspected heuristically, which is how
// transport-level errors (no status code attached) get recognized.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *classified
	if stderrors.As(err, &c) {
		return c.kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "overloaded", "quota exceeded", "429"):
		return KindRateLimit
	case containsAny(msg, "content filter", "content_filter", "safety", "blocked by", "refusal"):
		return KindSensitiveContent
	case containsAny(msg, "api key", "unauthorized", "authentication", "permission denied", "forbidden", "401", "403"):
		return KindAuth
	case containsAny(msg, "connection refused", "connection reset", "no such host", "timeout", "timed out", "network", "dial tcp", "tls handshake", "eof", "broken pipe"):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// UserMessage maps an error to the text shown to the user. Validation errors
// already carry an appropriate message and pass through unchanged.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindConfiguration:
		return fmt.Sprintf("Configuration problem: %v", err)
	case KindValidation:
		return err.Error()
	case KindRateLimit:
		return "The provider is rate limiting requests. Please try again in a moment."
	case KindSensitiveContent:
		return "The provider's safety filter blocked the response repeatedly. Try rephrasing your request."
	case KindAuth:
		return "Authentication with the provider failed. Check your API credentials."
	case KindNetwork:
		return "Could not reach the provider. Check your network connection and endpoint."
	default:
		return err.Error()
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
