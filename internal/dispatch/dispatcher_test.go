package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-ai/stagehand/internal/persona"
	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/tools"
)

type scriptedEngine struct {
	mu     sync.Mutex
	calls  int
	script func(call int, req Request) (Response, error)
}

func (e *scriptedEngine) Complete(ctx context.Context, req Request) (Response, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	return e.script(n, req)
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// turnLog stands in for the session manager's history append.
type turnLog struct {
	seq   uint64
	turns []session.Turn
}

func (l *turnLog) append(res tools.Result) (session.Turn, error) {
	l.seq++
	t := session.Turn{
		Seq:     l.seq,
		Role:    session.RoleTool,
		Tool:    res.Name,
		Payload: ToolTurnPayload(res),
		At:      time.Now().UTC(),
	}
	l.turns = append(l.turns, t)
	return t, nil
}

func testPersona(toolNames ...string) persona.Persona {
	return persona.New("barista", "Barista", "You take coffee orders.", persona.VoiceProfile{}, "", toolNames)
}

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	return tools.NewRegistry(time.Second)
}

func TestPlainTextResponseIsTerminal(t *testing.T) {
	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{Text: "hello there"}, nil
	}}
	d := NewDispatcher(eng, newTestRegistry(t), 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{SessionID: "s1", Persona: testPersona()})
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if out.Text != "hello there" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", out.Rounds)
	}
}

func TestToolResultsFeedBackIntoNextRound(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Register(tools.Descriptor{
		Name:  "lookup",
		Class: tools.ClassPure,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			return json.RawMessage(`{"answer":42}`), nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := &scriptedEngine{script: func(call int, req Request) (Response, error) {
		if call == 1 {
			return Response{ToolCalls: []ToolCall{{Name: "lookup", Args: json.RawMessage(`{}`)}}}, nil
		}
		last := req.History[len(req.History)-1]
		if last.Role != session.RoleTool || last.Tool != "lookup" {
			return Response{}, errors.New("tool result missing from history")
		}
		if !strings.Contains(string(last.Payload), "42") {
			return Response{}, errors.New("tool payload missing from history")
		}
		return Response{Text: "the answer is 42"}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{
		SessionID:  "s1",
		Persona:    testPersona("lookup"),
		AppendTool: log.append,
	})
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if out.Text != "the answer is 42" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.Rounds != 2 {
		t.Fatalf("rounds = %d, want 2", out.Rounds)
	}
	if len(log.turns) != 1 {
		t.Fatalf("appended turns = %d, want 1", len(log.turns))
	}
}

func TestLoopGuardYieldsOneFallback(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(tools.Descriptor{
		Name:  "lookup",
		Class: tools.ClassPure,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{ToolCalls: []ToolCall{{Name: "lookup", Args: json.RawMessage(`{}`)}}}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{
		SessionID:  "s1",
		Persona:    testPersona("lookup"),
		AppendTool: log.append,
	})
	if out.Status != StatusFallback {
		t.Fatalf("status = %q, want %q", out.Status, StatusFallback)
	}
	if out.Text != FallbackText {
		t.Fatalf("text = %q, want fallback", out.Text)
	}
	if out.Rounds != 5 {
		t.Fatalf("rounds = %d, want 5", out.Rounds)
	}
	if got := eng.callCount(); got != 5 {
		t.Fatalf("engine calls = %d, want 5", got)
	}
}

func TestDisallowedToolNeverReachesRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	ran := false
	if err := reg.Register(tools.Descriptor{
		Name:  "create_order",
		Class: tools.ClassAtMostOnce,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			ran = true
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := &scriptedEngine{script: func(call int, req Request) (Response, error) {
		if call == 1 {
			return Response{ToolCalls: []ToolCall{{Name: "create_order", Args: json.RawMessage(`{}`)}}}, nil
		}
		return Response{Text: "I can't do that here."}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{
		SessionID:  "s1",
		Persona:    testPersona("lookup"),
		AppendTool: log.append,
	})
	if ran {
		t.Fatal("handler ran for a tool outside the persona allowlist")
	}
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if len(log.turns) != 1 {
		t.Fatalf("appended turns = %d, want 1", len(log.turns))
	}
	if !strings.Contains(string(log.turns[0].Payload), string(tools.ErrInvalidArguments)) {
		t.Fatalf("payload = %s, want InvalidArguments error", log.turns[0].Payload)
	}
}

func TestHandoffIsSideOutputNotHistory(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(tools.Descriptor{
		Name:  "transfer_to_concierge",
		Class: tools.ClassHandoff,
		HandoffHandler: func(ctx context.Context, call tools.Call) (persona.Handoff, error) {
			return persona.Handoff{TargetPersona: "concierge", Message: "Handing you over.", Carry: persona.CarryAll}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{ToolCalls: []ToolCall{{Name: "transfer_to_concierge", Args: json.RawMessage(`{}`)}}}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{
		SessionID:  "s1",
		Persona:    testPersona("transfer_to_concierge"),
		AppendTool: log.append,
	})
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if out.Handoff == nil || out.Handoff.TargetPersona != "concierge" {
		t.Fatalf("handoff = %+v, want target concierge", out.Handoff)
	}
	if len(log.turns) != 0 {
		t.Fatalf("appended turns = %d, want 0", len(log.turns))
	}
}

func TestSecondHandoffInSameRoundConflicts(t *testing.T) {
	reg := newTestRegistry(t)
	for _, target := range []string{"concierge", "host"} {
		if err := reg.Register(tools.Descriptor{
			Name:  "transfer_to_" + target,
			Class: tools.ClassHandoff,
			HandoffHandler: func(ctx context.Context, call tools.Call) (persona.Handoff, error) {
				return persona.Handoff{TargetPersona: target, Carry: persona.CarryAll}, nil
			},
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{ToolCalls: []ToolCall{
			{Name: "transfer_to_concierge", Args: json.RawMessage(`{}`)},
			{Name: "transfer_to_host", Args: json.RawMessage(`{}`)},
		}}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{
		SessionID:  "s1",
		Persona:    testPersona("transfer_to_concierge", "transfer_to_host"),
		AppendTool: log.append,
	})
	if out.Handoff == nil || out.Handoff.TargetPersona != "concierge" {
		t.Fatalf("handoff = %+v, want first target to win", out.Handoff)
	}
	if len(log.turns) != 1 {
		t.Fatalf("appended turns = %d, want 1 conflict turn", len(log.turns))
	}
	if !strings.Contains(string(log.turns[0].Payload), string(tools.ErrHandoffConflict)) {
		t.Fatalf("payload = %s, want HandoffConflict", log.turns[0].Payload)
	}
}

func TestEngineRetriesOnceOnTransientFailure(t *testing.T) {
	eng := &scriptedEngine{script: func(call int, req Request) (Response, error) {
		if call == 1 {
			return Response{}, errors.New("upstream: too many requests")
		}
		return Response{Text: "back online"}, nil
	}}
	d := NewDispatcher(eng, newTestRegistry(t), 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{SessionID: "s1", Persona: testPersona()})
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}
	if got := eng.callCount(); got != 2 {
		t.Fatalf("engine calls = %d, want 2", got)
	}
}

func TestPermanentEngineFailureFallsBack(t *testing.T) {
	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{}, errors.New("invalid api key")
	}}
	d := NewDispatcher(eng, newTestRegistry(t), 5, time.Second, nil, nil)

	out := d.Run(context.Background(), Exchange{SessionID: "s1", Persona: testPersona()})
	if out.Status != StatusFallback {
		t.Fatalf("status = %q, want %q", out.Status, StatusFallback)
	}
	if out.Text != FallbackText {
		t.Fatalf("text = %q, want fallback", out.Text)
	}
	if got := eng.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
}

func TestInterruptionKeepsAtMostOnceResultDropsPure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newTestRegistry(t)
	if err := reg.Register(tools.Descriptor{
		Name:  "lookup",
		Class: tools.ClassPure,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(tools.Descriptor{
		Name:  "create_order",
		Class: tools.ClassAtMostOnce,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			// Simulates the user barging in while the side effect commits.
			cancel()
			return json.RawMessage(`{"order_id":"o-1"}`), nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng := &scriptedEngine{script: func(int, Request) (Response, error) {
		return Response{ToolCalls: []ToolCall{
			{Name: "lookup", Args: json.RawMessage(`{}`)},
			{Name: "create_order", Args: json.RawMessage(`{}`)},
		}}, nil
	}}
	log := &turnLog{}
	d := NewDispatcher(eng, reg, 5, time.Second, nil, nil)

	out := d.Run(ctx, Exchange{
		SessionID:  "s1",
		Persona:    testPersona("lookup", "create_order"),
		AppendTool: log.append,
	})
	if out.Status != StatusCancelled {
		t.Fatalf("status = %q, want %q", out.Status, StatusCancelled)
	}
	if len(log.turns) != 1 {
		t.Fatalf("appended turns = %d, want only the side-effecting result", len(log.turns))
	}
	if log.turns[0].Tool != "create_order" {
		t.Fatalf("kept turn = %q, want create_order", log.turns[0].Tool)
	}
	if !strings.Contains(string(log.turns[0].Payload), "o-1") {
		t.Fatalf("payload = %s, want committed order id", log.turns[0].Payload)
	}
}
