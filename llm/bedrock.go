package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"factotum/config"
	"factotum/errors"
	"factotum/session"
)

// BedrockClient runs Anthropic models on AWS Bedrock. The wire format is the
// same block-framed event stream the Anthropic adapter consumes, only carried
// as raw JSON inside Bedrock response-stream chunks, so both adapters share
// the blockAccumulator.
type BedrockClient struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

func newBedrockClient(ctx context.Context, p config.Provider) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WithKind(errors.KindConfiguration,
			errors.Wrapf(err, "failed to load AWS config"))
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
		}
	})
	return &BedrockClient{client: client, modelID: p.Model, maxTokens: p.MaxTokens}, nil
}

// bedrockEvent is the subset of the Anthropic streaming event schema the
// adapter consumes from each chunk.
type bedrockEvent struct {
	Type         string `json:"type"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *BedrockClient) StreamChat(ctx context.Context, req *ChatRequest) ([]session.ContentBlock, error) {
	body, err := b.requestBody(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build Bedrock request")
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrockErr(err)
	}
	stream := out.GetStream()
	defer stream.Close()

	acc := newBlockAccumulator(req.OnToken)
	stopReason := ""

	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var ev bedrockEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				acc.StartToolUse(ev.ContentBlock.ID, ev.ContentBlock.Name)
			} else {
				acc.StartText()
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				acc.TextDelta(ev.Delta.Text)
			case "input_json_delta":
				acc.InputDelta(ev.Delta.PartialJSON)
			}
		case "content_block_stop":
			acc.CloseBlock()
		case "message_delta":
			stopReason = ev.Delta.StopReason
		case "error":
			return nil, classifyBedrockStreamErr(ev.Error.Type, ev.Error.Message)
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return acc.Flush(), ctx.Err()
		}
		return nil, classifyBedrockErr(err)
	}
	if ctx.Err() != nil {
		return acc.Flush(), ctx.Err()
	}
	if stopReason == "refusal" {
		return nil, errors.NewKind(errors.KindSensitiveContent, "response stopped by the provider's safety filter")
	}
	return acc.Flush(), nil
}

// Ping invokes the model with a one-token budget and no tools.
func (b *BedrockClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        1,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": "ping"}},
		}},
	})
	if err != nil {
		return err
	}
	_, err = b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	return classifyBedrockErr(err)
}

func (b *BedrockClient) requestBody(req *ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          convertMessagesToBedrock(req.Messages),
	}
	if req.System != "" {
		request["system"] = req.System
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"input_schema": map[string]any{
					"type":       "object",
					"properties": schemaProperties(t.Parameters),
					"required":   schemaRequired(t.Parameters),
				},
			})
		}
		request["tools"] = tools
	}
	return json.Marshal(request)
}

func convertMessagesToBedrock(messages []session.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		var content []map[string]any
		for _, b := range msg.Blocks {
			switch blk := b.(type) {
			case session.TextBlock:
				if blk.Text != "" {
					content = append(content, map[string]any{
						"type": "text",
						"text": blk.Text,
					})
				}
			case session.ImageBlock:
				content = append(content, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": blk.MediaType,
						"data":       base64.StdEncoding.EncodeToString(blk.Data),
					},
				})
			case session.ToolUseBlock:
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    blk.ID,
					"name":  blk.Name,
					"input": blk.Input,
				})
			case session.ToolResultBlock:
				content = append(content, map[string]any{
					"type":        "tool_result",
					"tool_use_id": blk.ToolUseID,
					"content":     blk.Content,
					"is_error":    blk.IsError,
				})
			}
		}
		if len(content) == 0 {
			continue
		}
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "assistant"
		}
		out = append(out, map[string]any{"role": role, "content": content})
	}
	return out
}

// classifyBedrockStreamErr maps in-stream error events, which carry an
// Anthropic error type rather than an HTTP status, onto the taxonomy.
func classifyBedrockStreamErr(errType, message string) error {
	err := errors.New("Bedrock stream error: %s: %s", errType, message)
	switch errType {
	case "overloaded_error", "rate_limit_error":
		return errors.WithKind(errors.KindRateLimit, err)
	case "authentication_error", "permission_error":
		return errors.WithKind(errors.KindAuth, err)
	case "api_error":
		return errors.WithKind(errors.KindNetwork, err)
	}
	return err
}

func classifyBedrockErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			return errors.WithKind(errors.KindRateLimit, err)
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return errors.WithKind(errors.KindAuth, err)
		case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
			return errors.WithKind(errors.KindNetwork, err)
		}
	}
	return err
}
