package llm

import (
	"strings"

	"github.com/google/uuid"

	"factotum/session"
)

// blockAccumulator folds a block-framed event stream (begin/delta/end markers
// with at most one block open at a time) into ordered content blocks. Both
// the Anthropic adapter and the Bedrock adapter drive it, the former from SDK
// event types, the latter from raw JSON events.
type blockAccumulator struct {
	blocks []session.ContentBlock

	textOpen bool
	text     strings.Builder

	toolOpen bool
	toolID   string
	toolName string
	toolJSON strings.Builder

	onToken func(string)
}

func newBlockAccumulator(onToken func(string)) *blockAccumulator {
	return &blockAccumulator{onToken: onToken}
}

func (a *blockAccumulator) StartText() {
	a.closeOpen()
	a.textOpen = true
}

func (a *blockAccumulator) StartToolUse(id, name string) {
	a.closeOpen()
	a.toolOpen = true
	a.toolID = id
	a.toolName = name
}

func (a *blockAccumulator) TextDelta(s string) {
	if s == "" {
		return
	}
	if !a.textOpen && !a.toolOpen {
		// tolerate streams that skip the start marker
		a.textOpen = true
	}
	a.text.WriteString(s)
	if a.onToken != nil {
		a.onToken(s)
	}
}

// InputDelta appends a fragment of the open tool block's argument JSON. The
// fragments are only parsed once the block closes.
func (a *blockAccumulator) InputDelta(s string) {
	if a.toolOpen {
		a.toolJSON.WriteString(s)
	}
}

func (a *blockAccumulator) CloseBlock() {
	a.closeOpen()
}

// Flush closes any open block and returns the accumulated result. Buffered
// text survives cancellation this way instead of being discarded.
func (a *blockAccumulator) Flush() []session.ContentBlock {
	a.closeOpen()
	return a.blocks
}

func (a *blockAccumulator) closeOpen() {
	switch {
	case a.textOpen:
		if a.text.Len() > 0 {
			a.blocks = append(a.blocks, session.TextBlock{Text: a.text.String()})
		}
		a.text.Reset()
		a.textOpen = false
	case a.toolOpen:
		id := a.toolID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		a.blocks = append(a.blocks, session.ToolUseBlock{
			ID:    id,
			Name:  a.toolName,
			Input: DecodeToolInput(a.toolJSON.String()),
		})
		a.toolJSON.Reset()
		a.toolID = ""
		a.toolName = ""
		a.toolOpen = false
	}
}
