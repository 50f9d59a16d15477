package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Registry maps tool names to callable contracts. Invocation never panics
// and never returns a Go error; every failure is captured in the Result.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	timeout time.Duration

	// Per-session per-tool execution locks for at-most-once handlers, plus
	// memoized results keyed by dedupe key.
	execMu sync.Mutex
	locks  map[string]*sync.Mutex
	memo   map[string]Result
}

type entry struct {
	desc   Descriptor
	schema *gojsonschema.Schema
}

// NewRegistry builds a registry whose invocations are bounded by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
		memo:    make(map[string]Result),
	}
}

// Register adds a tool contract. The input schema is compiled eagerly so a
// malformed schema fails at startup, not at call time.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch desc.Class {
	case ClassPure, ClassAtMostOnce:
		if desc.Handler == nil {
			return fmt.Errorf("tool %q: handler is required", desc.Name)
		}
	case ClassHandoff:
		if desc.HandoffHandler == nil {
			return fmt.Errorf("tool %q: handoff handler is required", desc.Name)
		}
	default:
		return fmt.Errorf("tool %q: unknown idempotency class %q", desc.Name, desc.Class)
	}
	if desc.InputSchema == "" {
		desc.InputSchema = `{"type":"object"}`
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(desc.InputSchema))
	if err != nil {
		return fmt.Errorf("tool %q: compile input schema: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[desc.Name]; dup {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, schema: schema}
	return nil
}

// ClassOf returns the idempotency class of a registered tool.
func (r *Registry) ClassOf(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.desc.Class, true
}

// Schemas returns the engine-facing contracts for the named tools, sorted by
// name. Unknown names are skipped.
func (r *Registry) Schemas(names []string) []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		out = append(out, Schema{
			Name:        e.desc.Name,
			Description: e.desc.Description,
			InputSchema: e.desc.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke resolves a Call to exactly one Result. Validation failures yield an
// InvalidArguments result and never reach the handler. Concurrent calls to
// the same at-most-once tool for the same session are serialized, and a
// repeated dedupe key returns the memoized first result without re-running
// the handler.
func (r *Registry) Invoke(ctx context.Context, call Call) Result {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return failure(call.Name, "", ErrUnknownTool, fmt.Sprintf("tool %q is not registered", call.Name), false, 0)
	}

	if len(call.Args) == 0 {
		call.Args = []byte(`{}`)
	}
	vr, err := e.schema.Validate(gojsonschema.NewBytesLoader(call.Args))
	if err != nil {
		return failure(call.Name, e.desc.Class, ErrInvalidArguments, fmt.Sprintf("arguments are not valid JSON: %v", err), false, 0)
	}
	if !vr.Valid() {
		msgs := make([]string, 0, len(vr.Errors()))
		for _, desc := range vr.Errors() {
			msgs = append(msgs, desc.String())
		}
		return failure(call.Name, e.desc.Class, ErrInvalidArguments, fmt.Sprintf("schema mismatch: %v", msgs), false, 0)
	}

	if e.desc.Class == ClassAtMostOnce {
		return r.invokeSerialized(ctx, e, call)
	}
	return r.run(ctx, e, call)
}

func (r *Registry) invokeSerialized(ctx context.Context, e *entry, call Call) Result {
	lock := r.lockFor(call.SessionID, call.Name)
	lock.Lock()
	defer lock.Unlock()

	memoKey := ""
	if call.DedupeKey != "" {
		memoKey = call.SessionID + "\x00" + call.Name + "\x00" + call.DedupeKey
		r.execMu.Lock()
		prev, hit := r.memo[memoKey]
		r.execMu.Unlock()
		if hit {
			return prev
		}
	}

	res := r.run(ctx, e, call)

	if memoKey != "" && res.OK {
		r.execMu.Lock()
		r.memo[memoKey] = res
		r.execMu.Unlock()
	}
	return res
}

func (r *Registry) run(ctx context.Context, e *entry, call Call) (res Result) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			res = failure(call.Name, e.desc.Class, ErrHandlerFailure, fmt.Sprintf("handler panic: %v", rec), false, time.Since(start))
		}
	}()

	if e.desc.Class == ClassHandoff {
		h, err := e.desc.HandoffHandler(ctx, call)
		if err != nil {
			return failureFromErr(call.Name, e.desc.Class, err, time.Since(start))
		}
		return Result{
			Name:     call.Name,
			Class:    e.desc.Class,
			OK:       true,
			Handoff:  &h,
			Duration: time.Since(start),
		}
	}

	payload, err := e.desc.Handler(ctx, call)
	if err != nil {
		return failureFromErr(call.Name, e.desc.Class, err, time.Since(start))
	}
	return Result{
		Name:     call.Name,
		Class:    e.desc.Class,
		OK:       true,
		Payload:  payload,
		Duration: time.Since(start),
	}
}

func failureFromErr(name string, class Class, err error, d time.Duration) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure(name, class, ErrTimeout, "tool call exceeded deadline", true, d)
	}
	if errors.Is(err, context.Canceled) {
		return failure(name, class, ErrTimeout, "tool call cancelled", true, d)
	}
	return failure(name, class, ErrHandlerFailure, err.Error(), false, d)
}

func (r *Registry) lockFor(sessionID, tool string) *sync.Mutex {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	key := sessionID + "\x00" + tool
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// ReleaseSession drops execution locks and dedupe memos for a session that
// has ended.
func (r *Registry) ReleaseSession(sessionID string) {
	prefix := sessionID + "\x00"
	r.execMu.Lock()
	defer r.execMu.Unlock()
	for key := range r.locks {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.locks, key)
		}
	}
	for key := range r.memo {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(r.memo, key)
		}
	}
}
