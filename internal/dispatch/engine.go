package dispatch

import (
	"context"
	"encoding/json"

	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/tools"
)

// Request is one completion request to the reasoning engine.
type Request struct {
	SessionID    string
	Instructions string
	History      []session.Turn
	Tools        []tools.Schema
}

// ToolCall is one tool invocation the engine asked for.
type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Response is the engine's answer: plain text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Engine is the reasoning model boundary.
type Engine interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
