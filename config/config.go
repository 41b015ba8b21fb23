// Package config loads factotum's YAML configuration. A user-level file in
// ~/.factotum is merged with a project-level .factotum/config.yaml, with the
// project file taking precedence.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"factotum/errors"
)

// Provider selects and parameterizes the model backend.
type Provider struct {
	Name          string `yaml:"name"`           // anthropic, openai, bedrock, gemini, mock
	Model         string `yaml:"model"`
	Endpoint      string `yaml:"endpoint"`       // optional base URL override
	CredentialEnv string `yaml:"credential_env"` // env var holding the API key; provider default if empty
	MaxTokens     int    `yaml:"max_tokens"`
}

// WorkMode names a configuration profile: which toolset is active and what
// system prompt preamble applies. A mode with an empty toolset is chat-only.
type WorkMode struct {
	Name    string `yaml:"name"`
	Toolset string `yaml:"toolset"`
	Prompt  string `yaml:"prompt"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// Limits bounds per-submission input and the conversation itself.
type Limits struct {
	History             int `yaml:"history"`               // message cap, oldest dropped first
	MaxImageAttachments int `yaml:"max_image_attachments"` // exceeding fails the submission
	MaxImageBytes       int `yaml:"max_image_bytes"`       // larger attachments are dropped silently
	MaxIterations       int `yaml:"max_iterations"`        // provider round-trips per cycle
}

type Config struct {
	Provider         Provider         `yaml:"provider"`
	WorkModes        []WorkMode       `yaml:"work_modes"`
	Toolsets         []Toolset        `yaml:"toolsets"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
	AuthorizedPaths  []string         `yaml:"authorized_paths"`  // globs where safe reads skip confirmation
	PreapprovedTools []string         `yaml:"preapproved_tools"` // "tool" or "tool:pathglob"
	Limits           Limits           `yaml:"limits"`
	SystemPrompt     string           `yaml:"system_prompt"`
}

// DefaultWorkMode is used when the session doesn't name one.
const DefaultWorkMode = "build"

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The .factotum directory is never exposed to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".factotum", ".factotum/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".factotum", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".factotum", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, giving a simple merge
	// where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = "mock"
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = 4096
	}
	if c.Limits.History <= 0 {
		c.Limits.History = 200
	}
	if c.Limits.MaxImageAttachments <= 0 {
		c.Limits.MaxImageAttachments = 8
	}
	if c.Limits.MaxImageBytes <= 0 {
		c.Limits.MaxImageBytes = 4 << 20
	}
	if c.Limits.MaxIterations <= 0 {
		c.Limits.MaxIterations = 30
	}
	if len(c.WorkModes) == 0 {
		c.WorkModes = []WorkMode{
			{Name: DefaultWorkMode, Toolset: "default"},
			{Name: "chat", Toolset: ""},
		}
	}
	if len(c.Toolsets) == 0 {
		c.Toolsets = []Toolset{
			{Name: "default", Tools: []string{"read_file", "write_file", "list_dir", "execute_command"}},
		}
	}
	if len(c.AuthorizedPaths) == 0 {
		if wd, err := os.Getwd(); err == nil {
			c.AuthorizedPaths = []string{filepath.Join(wd, "**"), "**"}
		}
	}
}

// GetToolset finds a toolset by name, falling back to "default" when the
// named one is missing or the name is empty.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}

// GetWorkMode resolves a work-mode profile by name; an empty name resolves to
// the default mode.
func (c *Config) GetWorkMode(name string) (*WorkMode, error) {
	if name == "" {
		name = DefaultWorkMode
	}
	for i := range c.WorkModes {
		if c.WorkModes[i].Name == name {
			return &c.WorkModes[i], nil
		}
	}
	return nil, errors.New("work mode %q is not configured", name)
}
