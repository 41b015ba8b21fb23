package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"factotum/session"
)

func TestDecodeToolInputValid(t *testing.T) {
	args := DecodeToolInput(`{"path": "main.go", "depth": 2}`)
	assert.Equal(t, "main.go", args["path"])
	assert.Equal(t, float64(2), args["depth"])
}

func TestDecodeToolInputEmpty(t *testing.T) {
	assert.Empty(t, DecodeToolInput(""))
	assert.Empty(t, DecodeToolInput("   \n"))
}

func TestDecodeToolInputRepairsTruncatedJSON(t *testing.T) {
	// missing closing brace, the usual truncation failure
	args := DecodeToolInput(`{"path": "main.go"`)
	assert.Equal(t, "main.go", args["path"])
	assert.NotContains(t, args, session.InputErrorKey)
}

func TestDecodeToolInputRepairsSloppyQuotes(t *testing.T) {
	args := DecodeToolInput(`{'path': 'main.go'}`)
	assert.Equal(t, "main.go", args["path"])
}

func TestDecodeToolInputIrreparable(t *testing.T) {
	raw := `["not", "an", "object"]`
	args := DecodeToolInput(raw)
	assert.Equal(t, "tool arguments are not valid JSON", args[session.InputErrorKey])
	assert.Equal(t, raw, args[session.InputRawKey])
}
