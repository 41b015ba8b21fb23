package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factotum/session"
)

func TestBlockAccumulatorTextThenTool(t *testing.T) {
	var tokens []string
	acc := newBlockAccumulator(func(s string) { tokens = append(tokens, s) })

	acc.StartText()
	acc.TextDelta("Hello, ")
	acc.TextDelta("world")
	acc.CloseBlock()
	acc.StartToolUse("toolu_1", "read_file")
	acc.InputDelta(`{"path":`)
	acc.InputDelta(`"main.go"}`)
	acc.CloseBlock()

	blocks := acc.Flush()
	require.Len(t, blocks, 2)
	assert.Equal(t, session.TextBlock{Text: "Hello, world"}, blocks[0])
	use, ok := blocks[1].(session.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", use.ID)
	assert.Equal(t, "read_file", use.Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, use.Input)
	assert.Equal(t, []string{"Hello, ", "world"}, tokens)
}

func TestBlockAccumulatorToleratesMissingStartMarker(t *testing.T) {
	acc := newBlockAccumulator(nil)
	acc.TextDelta("orphan text")
	blocks := acc.Flush()
	require.Len(t, blocks, 1)
	assert.Equal(t, session.TextBlock{Text: "orphan text"}, blocks[0])
}

func TestBlockAccumulatorFlushClosesOpenBlock(t *testing.T) {
	// simulates cancellation mid-stream: the open text block must survive
	acc := newBlockAccumulator(nil)
	acc.StartText()
	acc.TextDelta("partial answ")
	blocks := acc.Flush()
	require.Len(t, blocks, 1)
	assert.Equal(t, session.TextBlock{Text: "partial answ"}, blocks[0])
}

func TestBlockAccumulatorEmptyTextDropped(t *testing.T) {
	acc := newBlockAccumulator(nil)
	acc.StartText()
	acc.CloseBlock()
	assert.Empty(t, acc.Flush())
}

func TestBlockAccumulatorSynthesizesToolID(t *testing.T) {
	acc := newBlockAccumulator(nil)
	acc.StartToolUse("", "list_dir")
	acc.InputDelta(`{}`)
	acc.CloseBlock()
	blocks := acc.Flush()
	require.Len(t, blocks, 1)
	use := blocks[0].(session.ToolUseBlock)
	assert.True(t, strings.HasPrefix(use.ID, "call_"))
	assert.Greater(t, len(use.ID), len("call_"))
}

func TestBlockAccumulatorMalformedInputMarker(t *testing.T) {
	acc := newBlockAccumulator(nil)
	acc.StartToolUse("toolu_2", "write_file")
	acc.InputDelta(`"just a string"`)
	acc.CloseBlock()
	blocks := acc.Flush()
	require.Len(t, blocks, 1)
	use := blocks[0].(session.ToolUseBlock)
	assert.True(t, use.InputMalformed())
	assert.Equal(t, `"just a string"`, use.RawInput())
}

func TestBlockAccumulatorRepairsTruncatedToolInput(t *testing.T) {
	// a stream cut off mid-arguments still yields an executable call, not a
	// marker block
	acc := newBlockAccumulator(nil)
	acc.StartToolUse("toolu_3", "read_file")
	acc.InputDelta(`{"path": "main.go"`)
	acc.CloseBlock()
	blocks := acc.Flush()
	require.Len(t, blocks, 1)
	use := blocks[0].(session.ToolUseBlock)
	assert.False(t, use.InputMalformed())
	assert.Equal(t, map[string]any{"path": "main.go"}, use.Input)
}

func TestFlushOpenAIOrdersCallsByArrival(t *testing.T) {
	var text strings.Builder
	text.WriteString("thinking done")

	calls := map[int64]*indexedCall{
		0: {id: "call_a", name: "read_file"},
		1: {id: "call_b", name: "list_dir"},
	}
	calls[0].args.WriteString(`{"path":"a.go"}`)
	calls[1].args.WriteString(`{"path":"."}`)

	blocks := flushOpenAI(&text, calls, []int64{1, 0})
	require.Len(t, blocks, 3)
	assert.Equal(t, session.TextBlock{Text: "thinking done"}, blocks[0])
	assert.Equal(t, "call_b", blocks[1].(session.ToolUseBlock).ID)
	assert.Equal(t, "call_a", blocks[2].(session.ToolUseBlock).ID)
}

func TestFlushOpenAISynthesizesID(t *testing.T) {
	var text strings.Builder
	calls := map[int64]*indexedCall{0: {name: "read_file"}}
	calls[0].args.WriteString(`{}`)
	blocks := flushOpenAI(&text, calls, []int64{0})
	require.Len(t, blocks, 1)
	assert.Equal(t, "call_0", blocks[0].(session.ToolUseBlock).ID)
}

func TestSchemaHelpers(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
	assert.Contains(t, schemaProperties(schema), "path")
	assert.Equal(t, []string{"path"}, schemaRequired(schema))
	assert.Empty(t, schemaProperties(nil))
	assert.Nil(t, schemaRequired(nil))
}
