package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stagehand-ai/stagehand/internal/persona"
)

// Class describes a tool's side-effect safety under retry.
type Class string

const (
	// ClassPure tools have no side effects and are safe to retry silently.
	ClassPure Class = "pure"
	// ClassAtMostOnce tools have side effects; retries require a
	// caller-supplied deduplication key.
	ClassAtMostOnce Class = "at-most-once"
	// ClassHandoff tools return a persona handoff instead of a payload.
	ClassHandoff Class = "handoff"
)

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	ErrInvalidArguments ErrorKind = "InvalidArguments"
	ErrTimeout          ErrorKind = "Timeout"
	ErrUnknownTool      ErrorKind = "UnknownTool"
	ErrHandlerFailure   ErrorKind = "HandlerFailure"
	ErrHandoffConflict  ErrorKind = "HandoffConflict"
)

// ErrorDescriptor is the structured failure payload attached to a Result.
type ErrorDescriptor struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Call is one tool invocation request resolved against the registry.
type Call struct {
	Name      string
	SessionID string
	Args      json.RawMessage
	// OriginSeq is the conversation sequence number of the assistant turn
	// that issued this call.
	OriginSeq uint64
	// DedupeKey deduplicates retried at-most-once invocations. Empty means
	// no deduplication.
	DedupeKey string
}

// Result is the single outcome of a Call. Every Call resolves to exactly one
// Result; Invoke never returns a Go error.
type Result struct {
	Name     string
	Class    Class
	OK       bool
	Payload  json.RawMessage
	Handoff  *persona.Handoff
	Error    *ErrorDescriptor
	Duration time.Duration
}

// Handler executes a non-handoff tool. It is a pure function of
// (arguments, session id); persistence lives entirely behind this boundary.
type Handler func(ctx context.Context, call Call) (json.RawMessage, error)

// HandoffHandler executes a handoff-class tool.
type HandoffHandler func(ctx context.Context, call Call) (persona.Handoff, error)

// Descriptor registers one tool contract.
type Descriptor struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema document validating call arguments.
	InputSchema string
	Class       Class
	Handler     Handler
	// HandoffHandler is required iff Class is ClassHandoff.
	HandoffHandler HandoffHandler
}

// Schema is the engine-facing view of a registered tool.
type Schema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"input_schema"`
}

func failure(name string, class Class, kind ErrorKind, msg string, retryable bool, d time.Duration) Result {
	return Result{
		Name:     name,
		Class:    class,
		Error:    &ErrorDescriptor{Kind: kind, Message: msg, Retryable: retryable},
		Duration: d,
	}
}
