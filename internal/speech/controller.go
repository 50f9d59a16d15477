package speech

import (
	"context"
	"log/slog"
	"time"

	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/persona"
)

// Status is the terminal state of one synthesis job.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// JobResult reports how a synthesis job ended. Already-emitted chunks are
// never retracted, whatever the status.
type JobResult struct {
	Status   Status
	Chunks   int
	Duration time.Duration
}

// Controller schedules span-by-span synthesis so the first chunk reaches the
// listener before the full response is rendered.
type Controller struct {
	synth        Synthesizer
	minSpanRunes int
	log          *slog.Logger
}

func NewController(synth Synthesizer, minSpanRunes int, log *slog.Logger) *Controller {
	if minSpanRunes <= 0 {
		minSpanRunes = 24
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{synth: synth, minSpanRunes: minSpanRunes, log: log}
}

// Speak synthesizes text span by span, passing each chunk to emit as soon as
// it is ready. Cancelling ctx stops scheduling further spans immediately and
// finishes the job with StatusCancelled. The synthesis duration is recorded
// on usage when non-nil.
func (c *Controller) Speak(ctx context.Context, sessionID, text string, voice persona.VoiceProfile, usage *observability.UsageRecorder, emit func(Chunk) error) JobResult {
	start := time.Now()
	spans := segments(sanitizeText(text), c.minSpanRunes)

	res := JobResult{Status: StatusCompleted}
	for i, span := range spans {
		if ctx.Err() != nil {
			res.Status = StatusCancelled
			break
		}
		chunk, err := c.synth.Synthesize(ctx, span, voice)
		if err != nil {
			if ctx.Err() != nil {
				res.Status = StatusCancelled
				break
			}
			c.log.Error("synthesis failed", "session_id", sessionID, "span", i, "err", err)
			res.Status = StatusFailed
			break
		}
		chunk.Index = i
		chunk.Text = span
		if err := emit(chunk); err != nil {
			c.log.Warn("chunk sink closed", "session_id", sessionID, "err", err)
			res.Status = StatusCancelled
			break
		}
		res.Chunks++
	}

	res.Duration = time.Since(start)
	if usage != nil && res.Chunks > 0 {
		usage.Append(observability.UsageSample{
			Component: "speech",
			Metric:    observability.MetricSpeechDurationMS,
			Value:     float64(res.Duration.Milliseconds()),
			At:        time.Now().UTC(),
		})
	}
	return res
}
