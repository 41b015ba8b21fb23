package llm

import (
	"context"
	"encoding/base64"
	stderrors "errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"factotum/config"
	"factotum/errors"
	"factotum/session"
)

// AnthropicClient speaks the block-framed streaming shape: content blocks are
// delimited by explicit start/stop events and tool-call arguments arrive as
// incremental JSON fragments attached to the open block.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

func newAnthropicClient(p config.Provider) (*AnthropicClient, error) {
	key, err := credential(p, "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(p.Endpoint))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{client: &client, model: p.Model}, nil
}

func (a *AnthropicClient) StreamChat(ctx context.Context, req *ChatRequest) ([]session.ContentBlock, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  convertMessagesToAnthropic(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	params.Tools = convertToolsToAnthropic(req.Tools)

	acc := newBlockAccumulator(req.OnToken)
	stopReason := ""

	stream := a.client.Messages.NewStreaming(ctx, params)
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				acc.StartToolUse(ev.ContentBlock.ID, ev.ContentBlock.Name)
			} else {
				acc.StartText()
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				acc.TextDelta(delta.Text)
			case anthropic.InputJSONDelta:
				acc.InputDelta(delta.PartialJSON)
			}
		case anthropic.ContentBlockStopEvent:
			acc.CloseBlock()
		case anthropic.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return acc.Flush(), ctx.Err()
		}
		return nil, classifyAnthropicErr(err)
	}
	if stopReason == "refusal" {
		return nil, errors.NewKind(errors.KindSensitiveContent, "response stopped by the provider's safety filter")
	}
	return acc.Flush(), nil
}

// Ping sends a one-token request with no tools.
func (a *AnthropicClient) Ping(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	return classifyAnthropicErr(err)
}

func convertMessagesToAnthropic(messages []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var parts []anthropic.ContentBlockParamUnion
		for _, b := range msg.Blocks {
			switch blk := b.(type) {
			case session.TextBlock:
				if blk.Text != "" {
					parts = append(parts, anthropic.NewTextBlock(blk.Text))
				}
			case session.ImageBlock:
				parts = append(parts, anthropic.NewImageBlockBase64(
					blk.MediaType, base64.StdEncoding.EncodeToString(blk.Data)))
			case session.ToolUseBlock:
				parts = append(parts, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    blk.ID,
						Name:  blk.Name,
						Input: blk.Input,
					},
				})
			case session.ToolResultBlock:
				parts = append(parts, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: blk.ToolUseID,
						IsError:   anthropic.Bool(blk.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: blk.Content},
						}},
					},
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == session.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: parts})
	}
	return out
}

func convertToolsToAnthropic(tools []ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schemaProperties(t.Parameters),
				Required:   schemaRequired(t.Parameters),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func classifyAnthropicErr(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if stderrors.As(err, &apierr) {
		return errors.WithKind(errors.KindForStatus(apierr.StatusCode), err)
	}
	return err
}
