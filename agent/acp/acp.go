// Package acp exposes the agent over the Agent Client Protocol: newline
// delimited JSON-RPC 2.0 over stdio. It implements a minimal subset:
//   - initialize
//   - session/new
//   - session/load (replays history as session/update notifications)
//   - session/prompt (streams agent_message_chunk, tool_call and tool_result
//     updates while the cycle runs)
//   - session/cancel
//   - session/respond_permission and session/respond_question, resolving
//     requests raised by session/request_permission and session/request_input
//     notifications
//
// Nothing but JSON-RPC messages is ever written to stdout; diagnostics go to
// the trace file when enabled.
package acp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"factotum/agent"
	"factotum/errors"
	"factotum/session"
)

// Server is the ACP endpoint. It doubles as the agent listener so that
// everything the cycle emits becomes a session/update notification.
type Server struct {
	agent.NopListener

	agent *agent.Agent
	in    *bufio.Reader
	out   *bufio.Writer

	writeLock sync.Mutex
	trace     func(string)

	mu        sync.Mutex
	known     map[string]bool
	activeID  string
	seq       int64
	traceFile *os.File
}

// New creates the server. The server is passed to agent.New as the listener,
// then bound to the agent with Bind before Run.
func New(in *bufio.Reader, out *bufio.Writer, traceEnabled bool) *Server {
	s := &Server{
		in:    in,
		out:   out,
		known: make(map[string]bool),
		trace: func(string) {},
	}
	if traceEnabled {
		f, err := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			s.traceFile = f
			s.trace = func(msg string) {
				fmt.Fprintf(f, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}
	return s
}

// Bind attaches the agent the server drives.
func (s *Server) Bind(a *agent.Agent) {
	s.agent = a
}

// Run is the main read loop. It returns nil on EOF after resolving every
// pending permission request to its fail-safe default.
func (s *Server) Run(ctx context.Context) error {
	s.trace("Run: starting ACP server")
	if s.traceFile != nil {
		defer s.traceFile.Close()
	}
	defer func() {
		s.agent.Abort()
		s.agent.Teardown()
	}()

	for {
		payload, err := s.readFramedMessage()
		if err != nil {
			if err == io.EOF {
				s.trace("Run: EOF received, exiting")
				return nil
			}
			return errors.Wrapf(err, "acp read error")
		}
		if len(payload) == 0 {
			continue
		}

		s.trace(fmt.Sprintf("Run: received payload: %s", payload))
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}

		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(&req)
		case "session/load":
			s.handleSessionLoad(&req)
		case "session/prompt":
			s.handleSessionPrompt(ctx, &req)
		case "session/cancel":
			s.handleSessionCancel(&req)
		case "session/respond_permission":
			s.handleRespondPermission(&req)
		case "session/respond_question":
			s.handleRespondQuestion(&req)
		default:
			_ = s.writeResponseError(req.ID, -32601, "Method not found", nil)
		}
	}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// readFramedMessage reads one newline-delimited JSON payload.
func (s *Server) readFramedMessage() ([]byte, error) {
	line, _, err := s.in.ReadLine()
	if err != nil {
		return nil, err
	}
	return line, nil
}

// writeFramedJSON serializes one message and terminates it with a newline.
// Handlers and listener callbacks write concurrently, hence the lock.
func (s *Server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "could not serialize JSON-RPC message")
	}
	s.trace(fmt.Sprintf("writeFramedJSON: %s", data))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if _, err := s.out.WriteString("\n"); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResponseOK(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "could not serialize result")
	}
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// writeNotification sends a request without an id.
func (s *Server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           true,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(req *jsonrpcRequest) {
	sid := s.nextSessionID()
	s.agent.ClearHistory()

	s.mu.Lock()
	s.known[sid] = true
	s.activeID = sid
	s.mu.Unlock()

	s.trace(fmt.Sprintf("handleSessionNew: created %s", sid))
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sid})
}

func (s *Server) handleSessionLoad(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	loaded, err := session.Load(p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	s.agent.ReplaceHistory(loaded.Messages())

	s.mu.Lock()
	s.known[p.SessionID] = true
	s.activeID = p.SessionID
	s.mu.Unlock()

	for _, msg := range loaded.Messages() {
		s.replayMessage(p.SessionID, msg)
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// replayMessage re-emits one history turn as session/update notifications.
// Tool results ride in user turns, so both roles can carry tool traffic.
func (s *Server) replayMessage(sid string, msg session.Message) {
	for _, b := range msg.Blocks {
		switch blk := b.(type) {
		case session.TextBlock:
			kind := "agent_message_chunk"
			if msg.Role == session.RoleUser {
				kind = "user_message_chunk"
			}
			_ = s.writeNotification("session/update", map[string]any{
				"sessionId": sid,
				"update": map[string]any{
					"sessionUpdate": kind,
					"content":       map[string]any{"type": "text", "text": blk.Text},
				},
			})
		case session.ToolUseBlock:
			_ = s.sendToolCall(sid, blk.ID, blk.Name, blk.Input)
		case session.ToolResultBlock:
			_ = s.sendToolResult(sid, blk.ToolUseID, blk.Content, blk.IsError)
		}
	}
}

// contentBlock is the ACP prompt content union. Text, image, and
// resource_link blocks are handled; everything else is ignored.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	// resource_link fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	s.mu.Lock()
	ok := s.known[p.SessionID]
	if ok {
		s.activeID = p.SessionID
	}
	s.mu.Unlock()
	if !ok {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	sub := agent.Submission{
		Text:   extractUserText(p.Prompt),
		Images: extractImages(p.Prompt),
	}

	// The cycle runs on its own goroutine so the read loop stays free to
	// serve session/cancel and permission responses. A second prompt while
	// one is in flight fails with the busy error.
	id := req.ID
	go func() {
		if err := s.agent.Submit(ctx, sub); err != nil {
			_ = s.writeResponseError(id, -32603, "Internal error", errors.UserMessage(err))
			return
		}
		_ = s.writeResponseOK(id, map[string]any{"stopReason": "end_turn"})
	}()
}

func (s *Server) handleSessionCancel(req *jsonrpcRequest) {
	s.trace("handleSessionCancel: aborting in-flight cycle")
	s.agent.Abort()
	if req.ID != nil {
		_ = s.writeResponseOK(req.ID, nil)
	}
}

func (s *Server) handleRespondPermission(req *jsonrpcRequest) {
	var p struct {
		RequestID string `json:"requestId"`
		Approved  bool   `json:"approved"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	s.agent.RespondConfirmation(p.RequestID, p.Approved)
	if req.ID != nil {
		_ = s.writeResponseOK(req.ID, nil)
	}
}

func (s *Server) handleRespondQuestion(req *jsonrpcRequest) {
	var p struct {
		RequestID string `json:"requestId"`
		Answer    string `json:"answer"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	s.agent.RespondQuestion(p.RequestID, p.Answer)
	if req.ID != nil {
		_ = s.writeResponseOK(req.ID, nil)
	}
}

// ---- listener callbacks ----

func (s *Server) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Server) OnTokenEmitted(token string) {
	_ = s.writeNotification("session/update", map[string]any{
		"sessionId": s.sessionID(),
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": token},
		},
	})
}

func (s *Server) OnStageChanged(stage session.Stage, detail string) {
	s.trace(fmt.Sprintf("stage: %s %s", stage, detail))
}

func (s *Server) OnToolCallStarted(callID, name string, input map[string]any) {
	_ = s.sendToolCall(s.sessionID(), callID, name, input)
}

func (s *Server) OnToolCallFinished(callID, status, errMsg string) {
	if status == "error" {
		_ = s.sendToolResult(s.sessionID(), callID, errMsg, true)
	}
}

func (s *Server) OnToolOutputChunk(callID, stream, chunk string) {
	_ = s.writeNotification("session/update", map[string]any{
		"sessionId": s.sessionID(),
		"update": map[string]any{
			"sessionUpdate": "tool_output",
			"toolOutput":    map[string]any{"toolCallId": callID, "stream": stream, "chunk": chunk},
		},
	})
}

func (s *Server) OnError(message string, kind errors.Kind) {
	s.trace(fmt.Sprintf("error (%s): %s", kind, message))
}

func (s *Server) OnConfirmationRequested(req agent.ConfirmationRequest) {
	_ = s.writeNotification("session/request_permission", map[string]any{
		"sessionId": s.sessionID(),
		"requestId": req.ID,
		"toolName":  req.ToolName,
		"input":     req.Input,
	})
}

func (s *Server) OnQuestionRequested(req agent.QuestionRequest) {
	_ = s.writeNotification("session/request_input", map[string]any{
		"sessionId": s.sessionID(),
		"requestId": req.ID,
		"question":  req.Question,
		"options":   req.Options,
	})
}

func (s *Server) OnArtifactCreated(a session.Artifact) {
	_ = s.writeNotification("session/update", map[string]any{
		"sessionId": s.sessionID(),
		"update": map[string]any{
			"sessionUpdate": "artifact",
			"artifact":      map[string]any{"path": a.Path, "name": a.Name, "type": a.Type},
		},
	})
}

func (s *Server) sendToolCall(sid, callID, name string, input map[string]any) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sid,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall":      map[string]any{"id": callID, "name": name, "args": input},
		},
	})
}

func (s *Server) sendToolResult(sid, callID, result string, isError bool) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sid,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult":    map[string]any{"toolCallId": callID, "result": result, "isError": isError},
		},
	})
}

func (s *Server) nextSessionID() string {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), seq)
}

// extractUserText concatenates the text content of a prompt, inlining
// file:// resource links so the model sees their contents.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, renderResourceLink(b))
		}
	}
	return strings.Join(parts, "\n")
}

// extractImages decodes inline base64 image blocks.
func extractImages(blocks []contentBlock) []session.ImageBlock {
	var images []session.ImageBlock
	for _, b := range blocks {
		if b.Type != "image" || b.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			continue
		}
		images = append(images, session.ImageBlock{MediaType: b.MimeType, Data: data})
	}
	return images
}

// resource content above this size is truncated before inlining
const maxResourceBytes = 50000

func renderResourceLink(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileFromURI(b.URI)
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		default:
			if len(content) > maxResourceBytes {
				content = content[:maxResourceBytes] + "\n\n[... truncated ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsed.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", errors.Wrapf(err, "could not read file")
	}
	return string(content), nil
}
