// Package dispatch drives one reasoning exchange: engine completion, parallel
// tool execution, result feedback, and termination into a speakable response
// or a persona handoff.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/persona"
	"github.com/stagehand-ai/stagehand/internal/reliability"
	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/tools"
)

// Status is the terminal state of one exchange.
type Status string

const (
	// StatusCompleted means the exchange produced a speakable response or a
	// handoff.
	StatusCompleted Status = "completed"
	// StatusCancelled means the user interrupted and the exchange was
	// abandoned.
	StatusCancelled Status = "cancelled"
	// StatusFallback means the exchange hit the loop guard or an
	// unrecoverable engine failure and produced the scripted apology.
	StatusFallback Status = "fallback"
)

// FallbackText is spoken when an exchange cannot produce a real response.
const FallbackText = "Sorry, I hit a snag handling that. Could you say it once more?"

// Outcome is the result of one exchange run.
type Outcome struct {
	Text    string
	Handoff *persona.Handoff
	Status  Status
	Rounds  int
}

// Exchange carries the per-turn inputs and the history sink for one run.
type Exchange struct {
	SessionID string
	Persona   persona.Persona
	History   []session.Turn
	// OriginSeq is the sequence number of the user turn that triggered
	// this exchange.
	OriginSeq uint64
	Usage     *observability.UsageRecorder
	// AppendTool records a tool result as a conversation turn and returns
	// the appended turn.
	AppendTool func(res tools.Result) (session.Turn, error)
}

type Dispatcher struct {
	engine        Engine
	registry      *tools.Registry
	maxRounds     int
	engineTimeout time.Duration
	metrics       *observability.Metrics
	log           *slog.Logger
}

func NewDispatcher(engine Engine, registry *tools.Registry, maxRounds int, engineTimeout time.Duration, metrics *observability.Metrics, log *slog.Logger) *Dispatcher {
	if maxRounds <= 0 {
		maxRounds = 5
	}
	if engineTimeout <= 0 {
		engineTimeout = 12 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		engine:        engine,
		registry:      registry,
		maxRounds:     maxRounds,
		engineTimeout: engineTimeout,
		metrics:       metrics,
		log:           log,
	}
}

// Run executes the exchange state machine until a terminal state. It never
// returns an error: every path yields exactly one Outcome, and ctx
// cancellation yields StatusCancelled.
func (d *Dispatcher) Run(ctx context.Context, ex Exchange) Outcome {
	log := d.log.With("session_id", ex.SessionID, "persona", ex.Persona.ID)
	history := ex.History
	schemas := d.registry.Schemas(ex.Persona.ToolNames())

	for round := 1; ; round++ {
		if round > d.maxRounds {
			log.Warn("reasoning loop exceeded", "rounds", round-1)
			return Outcome{Text: FallbackText, Status: StatusFallback, Rounds: round - 1}
		}
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Rounds: round - 1}
		}

		resp, err := d.complete(ctx, Request{
			SessionID:    ex.SessionID,
			Instructions: ex.Persona.Instructions,
			History:      history,
			Tools:        schemas,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Status: StatusCancelled, Rounds: round - 1}
			}
			if d.metrics != nil {
				d.metrics.EngineErrors.WithLabelValues("complete").Inc()
			}
			log.Error("engine completion failed", "err", err, "round", round)
			return Outcome{Text: FallbackText, Status: StatusFallback, Rounds: round}
		}

		if len(resp.ToolCalls) == 0 {
			return Outcome{Text: resp.Text, Status: StatusCompleted, Rounds: round}
		}

		results := d.dispatchCalls(ctx, ex, resp.ToolCalls)
		cancelled := ctx.Err() != nil

		var handoff *persona.Handoff
		for _, res := range results {
			if res.Handoff != nil {
				if handoff == nil {
					// Handoff requests are side outputs, never history
					// turns.
					handoff = res.Handoff
					d.countToolCall(ex, res)
					continue
				}
				res = tools.Result{
					Name:  res.Name,
					Class: tools.ClassHandoff,
					Error: &tools.ErrorDescriptor{
						Kind:      tools.ErrHandoffConflict,
						Message:   "another persona switch is already pending; retry next turn",
						Retryable: true,
					},
					Duration: res.Duration,
				}
			}
			if cancelled && res.Class != tools.ClassAtMostOnce {
				// Discard pure results on interruption; at-most-once side
				// effects already happened and must stay on the record.
				continue
			}
			d.countToolCall(ex, res)
			turn, err := ex.AppendTool(res)
			if err != nil {
				log.Error("append tool turn failed", "tool", res.Name, "err", err)
				continue
			}
			history = append(history, turn)
		}

		if cancelled {
			return Outcome{Status: StatusCancelled, Rounds: round}
		}
		if handoff != nil {
			return Outcome{Text: resp.Text, Handoff: handoff, Status: StatusCompleted, Rounds: round}
		}
	}
}

// complete calls the engine with a per-call deadline, retrying once on a
// transient failure.
func (d *Dispatcher) complete(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := reliability.Do(ctx, 2, reliability.Backoff{Base: 250 * time.Millisecond, Max: time.Second}, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, d.engineTimeout)
		defer cancel()
		r, err := d.engine.Complete(cctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (d *Dispatcher) dispatchCalls(ctx context.Context, ex Exchange, calls []ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	var g errgroup.Group
	for i, tc := range calls {
		g.Go(func() error {
			if !ex.Persona.AllowsTool(tc.Name) {
				results[i] = tools.Result{
					Name: tc.Name,
					Error: &tools.ErrorDescriptor{
						Kind:    tools.ErrInvalidArguments,
						Message: fmt.Sprintf("tool %q is not available to the active persona", tc.Name),
					},
				}
				return nil
			}
			class, _ := d.registry.ClassOf(tc.Name)
			callCtx := ctx
			if class == tools.ClassAtMostOnce {
				// Interruptions must not abort a side effect mid-flight.
				callCtx = context.WithoutCancel(ctx)
			}
			results[i] = d.registry.Invoke(callCtx, tools.Call{
				Name:      tc.Name,
				SessionID: ex.SessionID,
				Args:      tc.Args,
				OriginSeq: ex.OriginSeq,
				DedupeKey: dedupeKey(ex.OriginSeq, tc),
			})
			return nil
		})
	}
	g.Wait()
	return results
}

func (d *Dispatcher) countToolCall(ex Exchange, res tools.Result) {
	if ex.Usage != nil {
		ex.Usage.CountToolCall(string(res.Class), res.OK)
	}
	if d.metrics != nil {
		outcome := "ok"
		if !res.OK {
			outcome = "error"
		}
		d.metrics.ToolCalls.WithLabelValues(string(res.Class), outcome).Inc()
	}
}

// ToolTurnPayload normalizes a tool result into the JSON stored on its
// conversation turn: the payload on success, the error descriptor otherwise.
func ToolTurnPayload(res tools.Result) json.RawMessage {
	if res.OK {
		if len(res.Payload) == 0 {
			return json.RawMessage(`{}`)
		}
		return res.Payload
	}
	b, err := json.Marshal(map[string]*tools.ErrorDescriptor{"error": res.Error})
	if err != nil {
		return json.RawMessage(`{"error":{"kind":"HandlerFailure"}}`)
	}
	return b
}

// dedupeKey is stable across retried rounds of the same exchange so a
// repeated at-most-once call with identical arguments dedupes.
func dedupeKey(originSeq uint64, tc ToolCall) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00", originSeq, tc.Name)
	h.Write(tc.Args)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
