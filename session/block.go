package session

import (
	"strings"

	"factotum/errors"
)

// Keys placed in a ToolUseBlock input when the streamed argument text could
// not be parsed as a JSON object. The raw text is preserved verbatim so the
// model can see exactly what it produced.
const (
	InputErrorKey = "_error"
	InputRawKey   = "_raw"
)

// ContentBlock is one typed unit of model output or tool exchange. The set of
// implementations is closed; consumers switch exhaustively over the four
// concrete types.
type ContentBlock interface {
	blockType() string
}

// TextBlock carries plain assistant or user text.
type TextBlock struct {
	Text string
}

// ImageBlock carries an inline image attachment.
type ImageBlock struct {
	MediaType string
	Data      []byte
}

// ToolUseBlock is a model request to invoke a named tool.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
// ToolUseID always references a ToolUseBlock from the immediately preceding
// assistant turn.
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextBlock) blockType() string       { return "text" }
func (ImageBlock) blockType() string      { return "image" }
func (ToolUseBlock) blockType() string    { return "tool_use" }
func (ToolResultBlock) blockType() string { return "tool_result" }

// InputMalformed reports whether the block's arguments failed to parse and
// carry the error marker instead of usable input.
func (t ToolUseBlock) InputMalformed() bool {
	_, ok := t.Input[InputErrorKey]
	return ok
}

// RawInput returns the unparsed argument text for a malformed block.
func (t ToolUseBlock) RawInput() string {
	raw, _ := t.Input[InputRawKey].(string)
	return raw
}

// blockEnvelope is the persisted form of a ContentBlock, discriminated by Type.
type blockEnvelope struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

func marshalBlocks(blocks []ContentBlock) ([]blockEnvelope, error) {
	out := make([]blockEnvelope, 0, len(blocks))
	for _, b := range blocks {
		switch blk := b.(type) {
		case TextBlock:
			out = append(out, blockEnvelope{Type: "text", Text: blk.Text})
		case ImageBlock:
			out = append(out, blockEnvelope{Type: "image", MediaType: blk.MediaType, Data: blk.Data})
		case ToolUseBlock:
			out = append(out, blockEnvelope{Type: "tool_use", ID: blk.ID, Name: blk.Name, Input: blk.Input})
		case ToolResultBlock:
			out = append(out, blockEnvelope{Type: "tool_result", ToolUseID: blk.ToolUseID, Content: blk.Content, IsError: blk.IsError})
		default:
			return nil, errors.New("unhandled content block type %T", b)
		}
	}
	return out, nil
}

func unmarshalBlocks(envelopes []blockEnvelope) ([]ContentBlock, error) {
	out := make([]ContentBlock, 0, len(envelopes))
	for _, e := range envelopes {
		switch e.Type {
		case "text":
			out = append(out, TextBlock{Text: e.Text})
		case "image":
			out = append(out, ImageBlock{MediaType: e.MediaType, Data: e.Data})
		case "tool_use":
			out = append(out, ToolUseBlock{ID: e.ID, Name: e.Name, Input: e.Input})
		case "tool_result":
			out = append(out, ToolResultBlock{ToolUseID: e.ToolUseID, Content: e.Content, IsError: e.IsError})
		default:
			return nil, errors.New("unknown content block type %q", e.Type)
		}
	}
	return out, nil
}

// JoinText concatenates the text of all TextBlocks in order.
func JoinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}
