package session

import "encoding/json"

// Role identifies the author of a message. The conversation only ever holds
// user and assistant turns; tool results ride in user turns as blocks.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation. The ID is assigned by the session
// at append time when empty. Messages are owned exclusively by the Session;
// callers receive copies.
type Message struct {
	ID     string
	Role   Role
	Blocks []ContentBlock
}

// NewUserText builds a user message holding a single text block.
func NewUserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock{Text: text}}}
}

// NewUserBlocks builds a user message from arbitrary blocks.
func NewUserBlocks(blocks []ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// NewAssistant builds an assistant message from the blocks a provider stream
// produced.
func NewAssistant(blocks []ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// Text returns the concatenated text of the message's text blocks.
func (m Message) Text() string {
	return JoinText(m.Blocks)
}

// ToolUses returns the tool invocation requests in the message, in order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Blocks {
		if u, ok := b.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

type messageEnvelope struct {
	ID     string          `json:"id"`
	Role   Role            `json:"role"`
	Blocks []blockEnvelope `json:"blocks"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	blocks, err := marshalBlocks(m.Blocks)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageEnvelope{ID: m.ID, Role: m.Role, Blocks: blocks})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	blocks, err := unmarshalBlocks(env.Blocks)
	if err != nil {
		return err
	}
	m.ID = env.ID
	m.Role = env.Role
	m.Blocks = blocks
	return nil
}
