// Package orchestrator drives one live conversation: turn boundary events in,
// reasoning exchanges and synthesized speech out.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-ai/stagehand/internal/dispatch"
	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/protocol"
	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/speech"
	"github.com/stagehand-ai/stagehand/internal/tools"
	"github.com/stagehand-ai/stagehand/internal/turndetect"
)

// errClientClosed ends the connection loop when the client goes away or asks
// to end the session.
var errClientClosed = errors.New("client closed connection")

type Orchestrator struct {
	sessions    *session.Manager
	dispatcher  *dispatch.Dispatcher
	speech      *speech.Controller
	metrics     *observability.Metrics
	detectorCfg turndetect.Config
	classifier  turndetect.Classifier
	// release hooks run once per ended session to drop per-session state
	// held outside the session manager (tool locks, game state).
	release []func(sessionID string)
	log     *slog.Logger
}

func New(
	sessions *session.Manager,
	dispatcher *dispatch.Dispatcher,
	speechCtrl *speech.Controller,
	metrics *observability.Metrics,
	detectorCfg turndetect.Config,
	classifier turndetect.Classifier,
	release []func(sessionID string),
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sessions:    sessions,
		dispatcher:  dispatcher,
		speech:      speechCtrl,
		metrics:     metrics,
		detectorCfg: detectorCfg,
		classifier:  classifier,
		release:     release,
		log:         log,
	}
}

// RunConnection owns one client connection for its whole lifetime. It reads
// client frames from inbound, writes protocol messages to outbound, and ends
// the session when the client disconnects or asks to.
func (o *Orchestrator) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	if err := o.sessions.Attach(sessionID); err != nil {
		return err
	}
	log := o.log.With("session_id", sessionID)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	det := turndetect.New(o.detectorCfg, o.classifier, func(kind turndetect.Kind) {
		if o.metrics != nil {
			o.metrics.TurnEvents.WithLabelValues(string(kind)).Inc()
		}
	})

	var (
		turnMu     sync.Mutex
		turnCancel context.CancelFunc
		turnWG     sync.WaitGroup
	)
	cancelActiveTurn := func() {
		turnMu.Lock()
		cancel := turnCancel
		turnCancel = nil
		turnMu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	startTurn := func(transcript string) {
		// A new confirmed user turn supersedes whatever is still in flight.
		cancelActiveTurn()
		tctx, cancel := context.WithCancel(connCtx)
		turnMu.Lock()
		turnCancel = cancel
		turnMu.Unlock()
		turnWG.Add(1)
		go func() {
			defer turnWG.Done()
			defer cancel()
			o.runAssistantTurn(tctx, det, sessionID, transcript, outbound)
		}()
	}

	// Session teardown happens after all in-flight turn work has drained.
	defer o.finishSession(sessionID, outbound)
	defer func() {
		connCancel()
		turnWG.Wait()
	}()

	g, gctx := errgroup.WithContext(connCtx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case msg, ok := <-inbound:
				if !ok {
					return errClientClosed
				}
				switch m := msg.(type) {
				case protocol.ClientActivity:
					o.touch(sessionID)
					det.OnActivity(gctx, m.Score, frameTime(m.TSMs))
				case protocol.ClientPartial:
					o.touch(sessionID)
					det.OnPartial(gctx, m.Text, m.Confidence, frameTime(m.TSMs))
				case protocol.ClientControl:
					if m.Action == "end" {
						return errClientClosed
					}
					log.Warn("unknown control action", "action", m.Action)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			evt, err := det.Next(gctx)
			if err != nil {
				return err
			}
			o.send(gctx, outbound, protocol.TurnEvent{
				Type:       protocol.TypeTurnEvent,
				SessionID:  sessionID,
				Kind:       string(evt.Kind),
				Confidence: evt.Confidence,
				Degraded:   evt.Degraded,
				TSMs:       evt.At.UnixMilli(),
			})

			switch evt.Kind {
			case turndetect.KindInterruption:
				if err := o.sessions.Interrupt(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
					log.Warn("record interruption failed", "err", err)
				}
				cancelActiveTurn()
			case turndetect.KindSpeechEnd:
				if evt.Degraded {
					log.Warn("degraded turn detection, classifier unavailable")
				}
				if strings.TrimSpace(evt.Transcript) == "" {
					continue
				}
				startTurn(evt.Transcript)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errClientClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) runAssistantTurn(ctx context.Context, det *turndetect.Detector, sessionID, transcript string, outbound chan<- any) {
	log := o.log.With("session_id", sessionID)
	start := time.Now()
	turnID := uuid.NewString()

	userTurn, err := o.sessions.AppendTurn(sessionID, session.RoleUser, transcript, "", nil)
	if err != nil {
		log.Error("append user turn failed", "err", err)
		return
	}
	active, err := o.sessions.ActivePersona(sessionID)
	if err != nil {
		log.Error("resolve active persona failed", "err", err)
		return
	}
	history, err := o.sessions.VisibleHistory(sessionID)
	if err != nil {
		log.Error("load history failed", "err", err)
		return
	}
	usage, _ := o.sessions.Usage(sessionID)

	out := o.dispatcher.Run(ctx, dispatch.Exchange{
		SessionID: sessionID,
		Persona:   active,
		History:   history,
		OriginSeq: userTurn.Seq,
		Usage:     usage,
		AppendTool: func(res tools.Result) (session.Turn, error) {
			return o.sessions.AppendTurn(sessionID, session.RoleTool, "", res.Name, dispatch.ToolTurnPayload(res))
		},
	})
	o.recordExchange(usage, out, time.Since(start))

	if out.Status == dispatch.StatusCancelled {
		o.sendCritical(outbound, protocol.AssistantTurnEnd{
			Type: protocol.TypeAssistantTurnEnd, SessionID: sessionID, TurnID: turnID, Status: "cancelled",
		})
		return
	}

	voice := active.Voice
	speakText := out.Text
	if out.Handoff != nil {
		next, err := o.sessions.SwitchPersona(sessionID, *out.Handoff)
		switch {
		case errors.Is(err, session.ErrHandoffConflict):
			log.Warn("handoff rejected, switch already in progress", "target", out.Handoff.TargetPersona)
			o.sendCritical(outbound, protocol.ErrorEvent{
				Type: protocol.TypeErrorEvent, SessionID: sessionID,
				Code: "handoff_conflict", Retryable: true,
				Detail: "a persona switch is already in progress",
			})
		case err != nil:
			log.Error("persona switch failed", "target", out.Handoff.TargetPersona, "err", err)
		default:
			voice = next.Voice
			o.sendCritical(outbound, protocol.PersonaChanged{
				Type: protocol.TypePersonaChanged, SessionID: sessionID, PersonaID: next.ID,
			})
			if msg := strings.TrimSpace(out.Handoff.Message); msg != "" {
				// The handoff message is the new persona's first speakable
				// output.
				speakText = msg
			}
		}
	}

	if strings.TrimSpace(speakText) == "" {
		log.Info("exchange produced no speakable text", "status", out.Status)
		o.sendCritical(outbound, protocol.AssistantTurnEnd{
			Type: protocol.TypeAssistantTurnEnd, SessionID: sessionID, TurnID: turnID, Status: string(out.Status),
		})
		return
	}
	if out.Handoff == nil {
		if _, err := o.sessions.AppendTurn(sessionID, session.RoleAssistant, speakText, "", nil); err != nil {
			log.Error("append assistant turn failed", "err", err)
		}
	}

	o.send(ctx, outbound, protocol.AssistantText{
		Type: protocol.TypeAssistantText, SessionID: sessionID, TurnID: turnID, Text: speakText,
	})

	det.SetAssistantSpeaking(true)
	defer det.SetAssistantSpeaking(false)

	firstChunk := true
	res := o.speech.Speak(ctx, sessionID, speakText, voice, usage, func(ch speech.Chunk) error {
		if firstChunk {
			firstChunk = false
			lat := time.Since(start)
			if o.metrics != nil {
				o.metrics.ObserveFirstAudioLatency(lat)
			}
			if usage != nil {
				usage.Append(observability.UsageSample{
					Component: "speech", Metric: "first_audio_ms",
					Value: float64(lat.Milliseconds()), At: time.Now().UTC(),
				})
			}
		}
		return o.send(ctx, outbound, protocol.AssistantAudioChunk{
			Type: protocol.TypeAssistantAudio, SessionID: sessionID, TurnID: turnID,
			Seq: ch.Index, Format: ch.Format, AudioBase64: ch.AudioBase64, Text: ch.Text,
		})
	})
	o.sendCritical(outbound, protocol.AssistantTurnEnd{
		Type: protocol.TypeAssistantTurnEnd, SessionID: sessionID, TurnID: turnID, Status: string(res.Status),
	})
}

func (o *Orchestrator) recordExchange(usage *observability.UsageRecorder, out dispatch.Outcome, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.ExchangeOutcomes.WithLabelValues(string(out.Status)).Inc()
	}
	if usage == nil {
		return
	}
	now := time.Now().UTC()
	usage.Append(observability.UsageSample{
		Component: "dispatch", Metric: "exchange_ms",
		Value: float64(elapsed.Milliseconds()), At: now,
	})
	metric := observability.MetricExchangeCompleted
	switch out.Status {
	case dispatch.StatusCancelled:
		metric = observability.MetricExchangeCancelled
	case dispatch.StatusFallback:
		metric = observability.MetricExchangeFallback
	}
	usage.Append(observability.UsageSample{Component: "dispatch", Metric: metric, Value: 1, At: now})
}

func (o *Orchestrator) finishSession(sessionID string, outbound chan<- any) {
	snap, summary, err := o.sessions.End(sessionID)
	if err == nil {
		o.sendCritical(outbound, protocol.SessionSummary{
			Type: protocol.TypeSessionSummary, SessionID: snap.ID, Summary: summary,
		})
	} else if !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrClosed) {
		o.log.Error("end session failed", "session_id", sessionID, "err", err)
	}
	for _, release := range o.release {
		release(sessionID)
	}
	o.sessions.Remove(sessionID)
}

func (o *Orchestrator) touch(sessionID string) {
	if err := o.sessions.Touch(sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.log.Warn("touch session failed", "session_id", sessionID, "err", err)
	}
}

func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) error {
	select {
	case outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendCritical delivers lifecycle messages even when the turn context is
// already cancelled, bounded by a short timeout so a dead writer cannot hang
// the turn goroutine.
func (o *Orchestrator) sendCritical(outbound chan<- any, msg any) {
	timer := time.NewTimer(600 * time.Millisecond)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-timer.C:
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
	}
}

func frameTime(tsMs int64) time.Time {
	if tsMs > 0 {
		return time.UnixMilli(tsMs)
	}
	return time.Now()
}
