package llm

import (
	"context"
	stderrors "errors"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"factotum/config"
	"factotum/errors"
	"factotum/session"
)

// GeminiClient is a client for the Google Gemini API. Gemini streams complete
// parts per chunk and assigns no tool-call ids, so ids are synthesized and
// resolved back to function names from earlier history when reporting
// results.
type GeminiClient struct {
	client    *genai.Client
	modelName string
	maxTokens int
}

func newGeminiClient(ctx context.Context, p config.Provider) (*GeminiClient, error) {
	key, err := credential(p, "GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client, modelName: p.Model, maxTokens: p.MaxTokens}, nil
}

func (g *GeminiClient) StreamChat(ctx context.Context, req *ChatRequest) ([]session.ContentBlock, error) {
	model := g.client.GenerativeModel(g.modelName)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		model.SetMaxOutputTokens(int32(maxTokens))
	}
	model.Tools = convertToolsToGemini(req.Tools)

	history := convertMessagesToGemini(req.Messages)
	if len(history) == 0 {
		return nil, errors.NewKind(errors.KindValidation, "no messages to send")
	}
	last := history[len(history)-1]

	cs := model.StartChat()
	cs.History = history[:len(history)-1]

	var blocks []session.ContentBlock
	iter := cs.SendMessageStream(ctx, last.Parts...)
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return blocks, ctx.Err()
			}
			return nil, classifyGeminiErr(err)
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason == genai.FinishReasonSafety {
				return nil, errors.NewKind(errors.KindSensitiveContent, "response stopped by the provider's safety filter")
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					if v == "" {
						continue
					}
					if req.OnToken != nil {
						req.OnToken(string(v))
					}
					blocks = appendText(blocks, string(v))
				case genai.FunctionCall:
					blocks = append(blocks, session.ToolUseBlock{
						ID:    "call_" + uuid.NewString(),
						Name:  v.Name,
						Input: v.Args,
					})
				}
			}
		}
	}
	return blocks, nil
}

// appendText merges consecutive text chunks into one block so a streamed
// answer comes back as a single TextBlock.
func appendText(blocks []session.ContentBlock, text string) []session.ContentBlock {
	if n := len(blocks); n > 0 {
		if tb, ok := blocks[n-1].(session.TextBlock); ok {
			blocks[n-1] = session.TextBlock{Text: tb.Text + text}
			return blocks
		}
	}
	return append(blocks, session.TextBlock{Text: text})
}

// Ping sends a one-token generation with no tools.
func (g *GeminiClient) Ping(ctx context.Context) error {
	model := g.client.GenerativeModel(g.modelName)
	model.SetMaxOutputTokens(1)
	_, err := model.GenerateContent(ctx, genai.Text("ping"))
	return classifyGeminiErr(err)
}

func convertMessagesToGemini(messages []session.Message) []*genai.Content {
	// Tool-call ids are local; Gemini reports results by function name, so
	// resolve each result's id against the calls seen earlier in history.
	callNames := map[string]string{}

	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == session.RoleAssistant {
			role = "model"
		}
		var parts []genai.Part
		for _, b := range msg.Blocks {
			switch blk := b.(type) {
			case session.TextBlock:
				if blk.Text != "" {
					parts = append(parts, genai.Text(blk.Text))
				}
			case session.ImageBlock:
				parts = append(parts, genai.Blob{MIMEType: blk.MediaType, Data: blk.Data})
			case session.ToolUseBlock:
				callNames[blk.ID] = blk.Name
				parts = append(parts, genai.FunctionCall{Name: blk.Name, Args: blk.Input})
			case session.ToolResultBlock:
				response := map[string]any{"result": blk.Content}
				if blk.IsError {
					response = map[string]any{"error": blk.Content}
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     callNames[blk.ToolUseID],
					Response: response,
				})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents
}

func convertToolsToGemini(tools []ToolSchema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchemaToGemini(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchemaToGemini maps a JSON schema fragment onto genai's typed
// schema. Unknown keywords are dropped.
func convertSchemaToGemini(schema map[string]any) *genai.Schema {
	out := &genai.Schema{Type: genai.TypeObject}
	if schema == nil {
		return out
	}
	if t, ok := schema["type"].(string); ok {
		switch t {
		case "string":
			out.Type = genai.TypeString
		case "number":
			out.Type = genai.TypeNumber
		case "integer":
			out.Type = genai.TypeInteger
		case "boolean":
			out.Type = genai.TypeBoolean
		case "array":
			out.Type = genai.TypeArray
		case "object":
			out.Type = genai.TypeObject
		}
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = map[string]*genai.Schema{}
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = convertSchemaToGemini(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchemaToGemini(items)
	}
	out.Required = schemaRequired(schema)
	for _, raw := range asSlice(schema["enum"]) {
		if s, ok := raw.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}
	return out
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func classifyGeminiErr(err error) error {
	if err == nil {
		return nil
	}
	var blocked *genai.BlockedError
	if stderrors.As(err, &blocked) {
		return errors.WithKind(errors.KindSensitiveContent, err)
	}
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) {
		return errors.WithKind(errors.KindForStatus(gerr.Code), err)
	}
	return err
}
