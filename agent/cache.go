package agent

import (
	"sync"

	"factotum/llm"
	"factotum/tools"
)

// toolCache memoizes the resolved tool list, provider schemas and system
// prompt for the active work mode. An explicit mode key plus valid flag: the
// entry is recomputed only when the mode changes or the tool set is
// invalidated (new dynamic tools, provider swap).
type toolCache struct {
	mu      sync.Mutex
	mode    string
	valid   bool
	tools   []tools.Tool
	schemas []llm.ToolSchema
	prompt  string
}

func (c *toolCache) get(mode string) ([]tools.Tool, []llm.ToolSchema, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.mode != mode {
		return nil, nil, "", false
	}
	return c.tools, c.schemas, c.prompt, true
}

func (c *toolCache) set(mode string, ts []tools.Tool, schemas []llm.ToolSchema, prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.tools = ts
	c.schemas = schemas
	c.prompt = prompt
	c.valid = true
}

func (c *toolCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
