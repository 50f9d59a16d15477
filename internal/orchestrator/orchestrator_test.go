package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-ai/stagehand/internal/dispatch"
	"github.com/stagehand-ai/stagehand/internal/persona"
	"github.com/stagehand-ai/stagehand/internal/protocol"
	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/speech"
	"github.com/stagehand-ai/stagehand/internal/tools"
	"github.com/stagehand-ai/stagehand/internal/turndetect"
)

type scriptedEngine struct {
	mu     sync.Mutex
	calls  int
	script func(call int, req dispatch.Request) (dispatch.Response, error)
}

func (e *scriptedEngine) Complete(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	return e.script(n, req)
}

type fixedClassifier struct{ score float64 }

func (f fixedClassifier) EndOfTurnScore(ctx context.Context, transcript string) (float64, error) {
	return f.score, nil
}

type fixture struct {
	t         *testing.T
	sessionID string
	inbound   chan any
	outbound  chan any
	done      chan error
	cancel    context.CancelFunc
}

func newFixture(t *testing.T, engine dispatch.Engine, reg *tools.Registry, personas *persona.Registry) *fixture {
	t.Helper()

	mgr := session.NewManager(personas, time.Minute, session.Hooks{}, nil)
	snap, err := mgr.Create("u1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(engine, reg, 5, time.Second, nil, nil)
	ctrl := speech.NewController(&speech.MockSynthesizer{Delay: 2 * time.Millisecond}, 5, nil)
	orch := New(mgr, dispatcher, ctrl, nil, turndetect.Config{
		ActivityThreshold:  0.5,
		SilenceWindow:      600 * time.Millisecond,
		EndOfTurnThreshold: 0.7,
		LikelyThreshold:    0.55,
	}, fixedClassifier{score: 0.9}, []func(string){reg.ReleaseSession}, nil)

	f := &fixture{
		t:         t,
		sessionID: snap.ID,
		inbound:   make(chan any, 32),
		outbound:  make(chan any, 256),
		done:      make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		f.done <- orch.RunConnection(ctx, snap.ID, f.inbound, f.outbound)
	}()
	return f
}

// speakUtterance drives one complete user utterance through the detector.
func (f *fixture) speakUtterance(text string, at time.Time) {
	f.inbound <- protocol.ClientActivity{Type: protocol.TypeClientActivity, SessionID: f.sessionID, Score: 0.9, TSMs: at.UnixMilli()}
	f.inbound <- protocol.ClientPartial{Type: protocol.TypeClientPartial, SessionID: f.sessionID, Text: text, Confidence: 0.95, TSMs: at.Add(200 * time.Millisecond).UnixMilli()}
	f.inbound <- protocol.ClientActivity{Type: protocol.TypeClientActivity, SessionID: f.sessionID, Score: 0.1, TSMs: at.Add(time.Second).UnixMilli()}
	f.inbound <- protocol.ClientActivity{Type: protocol.TypeClientActivity, SessionID: f.sessionID, Score: 0.1, TSMs: at.Add(2 * time.Second).UnixMilli()}
}

// waitFor reads outbound messages until match returns true, failing the test
// on timeout. All read messages are returned.
func (f *fixture) waitFor(match func(msg any) bool) []any {
	f.t.Helper()
	var seen []any
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.outbound:
			seen = append(seen, msg)
			if match(msg) {
				return seen
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for message, saw %d: %+v", len(seen), seen)
		}
	}
}

func (f *fixture) end() []any {
	f.t.Helper()
	f.inbound <- protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: f.sessionID, Action: "end"}
	select {
	case err := <-f.done:
		if err != nil {
			f.t.Fatalf("RunConnection: %v", err)
		}
	case <-time.After(5 * time.Second):
		f.t.Fatal("RunConnection did not return")
	}
	var rest []any
	for {
		select {
		case msg := <-f.outbound:
			rest = append(rest, msg)
		default:
			return rest
		}
	}
}

func baristaRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(time.Second)
	err := reg.Register(tools.Descriptor{
		Name:        "create_order",
		Description: "Place a drink order.",
		InputSchema: `{
			"type": "object",
			"required": ["drink_type", "size"],
			"properties": {
				"drink_type": {"type": "string"},
				"size": {"type": "string", "enum": ["small", "medium", "large"]}
			},
			"additionalProperties": false
		}`,
		Class: tools.ClassAtMostOnce,
		Handler: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			var args struct {
				DrinkType string `json:"drink_type"`
				Size      string `json:"size"`
			}
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{
				"order_id": "ord-42", "drink_type": args.DrinkType, "size": args.Size,
			})
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func baristaPersonas(t *testing.T, toolNames ...string) *persona.Registry {
	t.Helper()
	reg, err := persona.NewRegistry("barista",
		persona.New("barista", "Barista", "You take coffee orders.", persona.VoiceProfile{}, "", toolNames),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestEndToEndLatteOrder(t *testing.T) {
	engine := &scriptedEngine{script: func(call int, req dispatch.Request) (dispatch.Response, error) {
		switch call {
		case 1:
			last := req.History[len(req.History)-1]
			if last.Role != session.RoleUser || !strings.Contains(last.Content, "medium latte") {
				return dispatch.Response{}, fmt.Errorf("unexpected history tail %+v", last)
			}
			return dispatch.Response{ToolCalls: []dispatch.ToolCall{{
				Name: "create_order",
				Args: json.RawMessage(`{"drink_type":"latte","size":"medium"}`),
			}}}, nil
		default:
			last := req.History[len(req.History)-1]
			if last.Tool != "create_order" || !strings.Contains(string(last.Payload), "ord-42") {
				return dispatch.Response{}, fmt.Errorf("order result missing from history %+v", last)
			}
			return dispatch.Response{Text: "Your medium latte has been ordered."}, nil
		}
	}}
	f := newFixture(t, engine, baristaRegistry(t), baristaPersonas(t, "create_order"))

	f.speakUtterance("I'd like a medium latte", time.Now())

	seen := f.waitFor(func(msg any) bool {
		end, ok := msg.(protocol.AssistantTurnEnd)
		return ok && end.Status == "completed"
	})

	var sawSpeechEnd, sawText bool
	audioChunks := 0
	for _, msg := range seen {
		switch m := msg.(type) {
		case protocol.TurnEvent:
			if m.Kind == string(turndetect.KindSpeechEnd) {
				sawSpeechEnd = true
			}
		case protocol.AssistantText:
			sawText = true
			if m.Text != "Your medium latte has been ordered." {
				t.Fatalf("assistant text = %q", m.Text)
			}
		case protocol.AssistantAudioChunk:
			audioChunks++
			if m.AudioBase64 == "" {
				t.Fatal("audio chunk without audio")
			}
		}
	}
	if !sawSpeechEnd || !sawText {
		t.Fatalf("speech-end seen = %v, text seen = %v", sawSpeechEnd, sawText)
	}
	if audioChunks == 0 {
		t.Fatal("no audio chunks emitted")
	}

	rest := f.end()
	var summary *protocol.SessionSummary
	for _, msg := range rest {
		if s, ok := msg.(protocol.SessionSummary); ok {
			summary = &s
		}
	}
	if summary == nil {
		t.Fatal("no session summary sent")
	}
	if summary.Summary.Exchanges != 1 {
		t.Fatalf("exchanges = %d, want 1", summary.Summary.Exchanges)
	}
	if summary.Summary.TotalToolCalls != 1 {
		t.Fatalf("tool calls = %d, want 1", summary.Summary.TotalToolCalls)
	}
	for _, tc := range summary.Summary.ToolCalls {
		if tc.Class == string(tools.ClassAtMostOnce) && tc.Succeeded != 1 {
			t.Fatalf("at-most-once succeeded = %d, want 1", tc.Succeeded)
		}
	}
}

func TestBargeInCancelsSynthesis(t *testing.T) {
	engine := &scriptedEngine{script: func(int, dispatch.Request) (dispatch.Response, error) {
		return dispatch.Response{Text: "Here is the first sentence. Here is the second sentence. Here is the third sentence. Here is the fourth sentence."}, nil
	}}
	f := newFixture(t, engine, baristaRegistry(t), baristaPersonas(t))

	start := time.Now()
	f.speakUtterance("tell me everything about the menu", start)

	f.waitFor(func(msg any) bool {
		_, ok := msg.(protocol.AssistantAudioChunk)
		return ok
	})

	// User talks over the assistant mid-playback.
	f.inbound <- protocol.ClientActivity{
		Type: protocol.TypeClientActivity, SessionID: f.sessionID,
		Score: 0.9, TSMs: start.Add(3 * time.Second).UnixMilli(),
	}

	seen := f.waitFor(func(msg any) bool {
		end, ok := msg.(protocol.AssistantTurnEnd)
		return ok && end.Status == "cancelled"
	})
	sawInterruption := false
	for _, msg := range seen {
		if evt, ok := msg.(protocol.TurnEvent); ok && evt.Kind == string(turndetect.KindInterruption) {
			sawInterruption = true
		}
	}
	if !sawInterruption {
		t.Fatal("no interruption event forwarded")
	}
	f.end()
}

func TestHandoffSpeaksMessageWithNewPersona(t *testing.T) {
	reg := tools.NewRegistry(time.Second)
	if err := reg.Register(tools.Descriptor{
		Name:  "transfer_to_concierge",
		Class: tools.ClassHandoff,
		HandoffHandler: func(ctx context.Context, call tools.Call) (persona.Handoff, error) {
			return persona.Handoff{
				TargetPersona: "concierge",
				Message:       "Let me hand you to our concierge for merchandise questions.",
				Carry:         persona.CarryNone,
			}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	personas, err := persona.NewRegistry("barista",
		persona.New("barista", "Barista", "You take coffee orders.", persona.VoiceProfile{}, "", []string{"transfer_to_concierge"}),
		persona.New("concierge", "Concierge", "You answer merchandise questions.", persona.VoiceProfile{}, "", nil),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	engine := &scriptedEngine{script: func(int, dispatch.Request) (dispatch.Response, error) {
		return dispatch.Response{ToolCalls: []dispatch.ToolCall{{
			Name: "transfer_to_concierge", Args: json.RawMessage(`{}`),
		}}}, nil
	}}
	f := newFixture(t, engine, reg, personas)

	f.speakUtterance("do you sell mugs", time.Now())

	seen := f.waitFor(func(msg any) bool {
		end, ok := msg.(protocol.AssistantTurnEnd)
		return ok && end.Status == "completed"
	})

	var changed *protocol.PersonaChanged
	var text *protocol.AssistantText
	for _, msg := range seen {
		switch m := msg.(type) {
		case protocol.PersonaChanged:
			changed = &m
		case protocol.AssistantText:
			text = &m
		}
	}
	if changed == nil || changed.PersonaID != "concierge" {
		t.Fatalf("persona change = %+v, want concierge", changed)
	}
	if text == nil || !strings.Contains(text.Text, "concierge") {
		t.Fatalf("assistant text = %+v, want handoff message", text)
	}
	f.end()
}
