package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"factotum/config"
	"factotum/errors"
	"factotum/logging"
	"factotum/session"
)

// OpenAIClient speaks the delta-accumulation streaming shape: tool-call
// argument fragments arrive tagged with a positional index instead of block
// markers, and fragments for the same index are concatenated in arrival
// order.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(p config.Provider) (*OpenAIClient, error) {
	key, err := credential(p, "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(p.Endpoint))
	}
	// The &c is required, do not replace and just use c
	c := openai.NewClient(opts...)
	return &OpenAIClient{client: &c, model: p.Model}, nil
}

// indexedCall accumulates one tool call identified by its stream index.
type indexedCall struct {
	id   string
	name string
	args strings.Builder
}

func (o *OpenAIClient) StreamChat(ctx context.Context, req *ChatRequest) ([]session.ContentBlock, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(req.System, req.Messages),
		Tools:    convertToolsToOpenAI(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var text strings.Builder
	calls := map[int64]*indexedCall{}
	var order []int64
	finish := ""

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if req.OnToken != nil {
				req.OnToken(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			call, ok := calls[tc.Index]
			if !ok {
				call = &indexedCall{}
				calls[tc.Index] = call
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return flushOpenAI(&text, calls, order), ctx.Err()
		}
		return nil, classifyOpenAIErr(err)
	}
	if finish == "content_filter" {
		return nil, errors.NewKind(errors.KindSensitiveContent, "response stopped by the provider's content filter")
	}
	return flushOpenAI(&text, calls, order), nil
}

// flushOpenAI assembles the final blocks: text first, then tool calls in
// index arrival order.
func flushOpenAI(text *strings.Builder, calls map[int64]*indexedCall, order []int64) []session.ContentBlock {
	var blocks []session.ContentBlock
	if text.Len() > 0 {
		blocks = append(blocks, session.TextBlock{Text: text.String()})
	}
	for _, idx := range order {
		call := calls[idx]
		id := call.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		blocks = append(blocks, session.ToolUseBlock{
			ID:    id,
			Name:  call.name,
			Input: DecodeToolInput(call.args.String()),
		})
	}
	return blocks
}

// Ping sends a one-token request with no tools.
func (o *OpenAIClient) Ping(ctx context.Context) error {
	_, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxCompletionTokens: openai.Int(1),
	})
	return classifyOpenAIErr(err)
}

func convertMessagesToOpenAI(system string, messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			for _, use := range msg.ToolUses() {
				argsBytes, err := json.Marshal(use.Input)
				if err != nil {
					logging.Warn("could not marshal tool call arguments, skipping call in history", "tool", use.Name, "error", err)
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   use.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      use.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			out = append(out, assistant.ToParam())
		default:
			// Tool results travel as dedicated tool-role messages; everything
			// else folds into one user message of content parts.
			var parts []openai.ChatCompletionContentPartUnionParam
			for _, b := range msg.Blocks {
				switch blk := b.(type) {
				case session.TextBlock:
					if blk.Text != "" {
						parts = append(parts, openai.TextContentPart(blk.Text))
					}
				case session.ImageBlock:
					url := fmt.Sprintf("data:%s;base64,%s",
						blk.MediaType, base64.StdEncoding.EncodeToString(blk.Data))
					parts = append(parts, openai.ImageContentPart(
						openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
				case session.ToolResultBlock:
					out = append(out, openai.ToolMessage(blk.Content, blk.ToolUseID))
				}
			}
			if len(parts) > 0 {
				out = append(out, openai.UserMessage(parts))
			}
		}
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSchema) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": schemaProperties(t.Parameters),
		}
		if req := schemaRequired(t.Parameters); len(req) > 0 {
			params["required"] = req
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}

func classifyOpenAIErr(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openai.Error
	if stderrors.As(err, &apierr) {
		return errors.WithKind(errors.KindForStatus(apierr.StatusCode), err)
	}
	return err
}
