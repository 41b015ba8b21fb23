package agent

import (
	"strings"

	"factotum/config"
)

// PromptBuilder produces the system prompt for a work mode.
type PromptBuilder interface {
	Build(mode string) (string, error)
}

const basePrompt = `You are factotum, a coding agent working in the user's project directory.
Use the available tools to inspect and modify the project instead of guessing.
Ask before taking actions the user has not requested.`

// planDirective is prefixed to a submission when the analyzer recommends
// planning before acting.
const planDirective = "Before making changes, write out a short numbered plan of the steps you will take, then follow it.\n\n"

type configPromptBuilder struct {
	cfg *config.Config
}

// NewPromptBuilder returns the config-backed prompt builder: base preamble,
// then the configured system prompt, then the work mode's own preamble.
func NewPromptBuilder(cfg *config.Config) PromptBuilder {
	return &configPromptBuilder{cfg: cfg}
}

func (b *configPromptBuilder) Build(mode string) (string, error) {
	wm, err := b.cfg.GetWorkMode(mode)
	if err != nil {
		return "", err
	}
	parts := []string{basePrompt}
	if b.cfg.SystemPrompt != "" {
		parts = append(parts, b.cfg.SystemPrompt)
	}
	if wm.Prompt != "" {
		parts = append(parts, wm.Prompt)
	}
	return strings.Join(parts, "\n\n"), nil
}
