// Package turndetect fuses voice-activity scores, partial transcripts and an
// external end-of-turn classifier into discrete turn boundary events.
package turndetect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var errNoClassifier = errors.New("turndetect: no classifier score available")

// Kind identifies a turn boundary event.
type Kind string

const (
	KindSpeechStart     Kind = "speech-start"
	KindSpeechEnd       Kind = "speech-end"
	KindEndOfTurnLikely Kind = "end-of-turn-likely"
	KindInterruption    Kind = "interruption"
)

// Event is one turn boundary signal. Events are not persisted.
type Event struct {
	Kind       Kind
	Confidence float64
	// Transcript carries the accumulated utterance on speech-end events.
	Transcript string
	// Degraded marks events produced by silence-window-only detection while
	// the end-of-turn classifier was unavailable.
	Degraded bool
	At       time.Time
}

// Classifier scores how likely the user has finished their turn, in [0,1].
// It is an external model boundary and may be unavailable.
type Classifier interface {
	EndOfTurnScore(ctx context.Context, transcript string) (float64, error)
}

type Config struct {
	// ActivityThreshold separates speech from silence in the voice activity
	// score stream.
	ActivityThreshold float64
	// SilenceWindow is how long activity must stay below threshold before a
	// speech-end can fire.
	SilenceWindow time.Duration
	// EndOfTurnThreshold gates speech-end on classifier confidence.
	EndOfTurnThreshold float64
	// LikelyThreshold gates the advisory end-of-turn-likely event.
	LikelyThreshold float64
}

// Detector is a per-session turn boundary state machine. It is restartable:
// after each speech-end it returns to idle and waits for the next utterance.
// Interruption events are delivered with priority over anything buffered.
type Detector struct {
	mu  sync.Mutex
	cfg Config
	clf Classifier

	speaking        bool
	assistantActive bool
	silenceSince    time.Time
	transcript      string
	transcriptConf  float64
	likelySent      bool

	queue    []Event
	priority []Event
	notify   chan struct{}
	onEvent  func(Kind)
}

// New builds a detector. onEvent, when non-nil, observes every emitted event
// kind (used for metrics).
func New(cfg Config, clf Classifier, onEvent func(Kind)) *Detector {
	if cfg.ActivityThreshold <= 0 {
		cfg.ActivityThreshold = 0.5
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = 600 * time.Millisecond
	}
	if cfg.EndOfTurnThreshold <= 0 {
		cfg.EndOfTurnThreshold = 0.7
	}
	if cfg.LikelyThreshold <= 0 {
		cfg.LikelyThreshold = 0.55
	}
	return &Detector{
		cfg:     cfg,
		clf:     clf,
		notify:  make(chan struct{}, 1),
		onEvent: onEvent,
	}
}

// SetAssistantSpeaking tells the detector whether assistant audio is playing.
// Voice activity during assistant output becomes an interruption.
func (d *Detector) SetAssistantSpeaking(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assistantActive = active
}

// OnActivity consumes one voice activity score sample.
func (d *Detector) OnActivity(ctx context.Context, score float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if score >= d.cfg.ActivityThreshold {
		d.silenceSince = time.Time{}
		if d.assistantActive {
			// Barge-in: the user resumed while assistant audio is playing.
			// Drop any stale advisory events queued before the interruption,
			// and start the new utterance from a clean transcript so the
			// previous turn's text cannot leak into the next speech-end.
			d.speaking = true
			d.likelySent = false
			d.transcript = ""
			d.transcriptConf = 0
			d.dropQueued(KindEndOfTurnLikely)
			d.emitPriority(Event{Kind: KindInterruption, Confidence: score, At: at})
			return
		}
		if !d.speaking {
			d.speaking = true
			d.likelySent = false
			d.transcript = ""
			d.transcriptConf = 0
			d.emit(Event{Kind: KindSpeechStart, Confidence: score, At: at})
		}
		return
	}

	if !d.speaking {
		return
	}
	if d.silenceSince.IsZero() {
		d.silenceSince = at
		return
	}
	if at.Sub(d.silenceSince) >= d.cfg.SilenceWindow {
		d.maybeEndTurnLocked(ctx, at)
	}
}

// OnPartial consumes one partial transcript fragment.
func (d *Detector) OnPartial(ctx context.Context, text string, confidence float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if strings.TrimSpace(text) != "" {
		d.transcript = text
		d.transcriptConf = confidence
	}
	if !d.speaking {
		return
	}

	score, err := d.classify(ctx)
	if err == nil && !d.likelySent && score >= d.cfg.LikelyThreshold && score < d.cfg.EndOfTurnThreshold {
		d.likelySent = true
		d.emit(Event{Kind: KindEndOfTurnLikely, Confidence: score, At: at})
	}

	// The silence window may already be satisfied; a late confident partial
	// is then what releases the speech-end.
	if !d.silenceSince.IsZero() && at.Sub(d.silenceSince) >= d.cfg.SilenceWindow {
		d.maybeEndTurnLocked(ctx, at)
	}
}

// Next returns the next event, always draining priority events first. It
// blocks until an event arrives or ctx is done.
func (d *Detector) Next(ctx context.Context) (Event, error) {
	for {
		d.mu.Lock()
		if len(d.priority) > 0 {
			evt := d.priority[0]
			d.priority = d.priority[1:]
			d.mu.Unlock()
			return evt, nil
		}
		if len(d.queue) > 0 {
			evt := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return evt, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-d.notify:
		}
	}
}

func (d *Detector) maybeEndTurnLocked(ctx context.Context, at time.Time) {
	score, err := d.classify(ctx)
	if err != nil {
		// Classifier unavailable: fall back to silence-window-only
		// detection and mark the event degraded.
		d.finishTurnLocked(Event{
			Kind:       KindSpeechEnd,
			Confidence: d.transcriptConf,
			Transcript: d.transcript,
			Degraded:   true,
			At:         at,
		})
		return
	}
	if score < d.cfg.EndOfTurnThreshold {
		return
	}
	d.finishTurnLocked(Event{
		Kind:       KindSpeechEnd,
		Confidence: score,
		Transcript: d.transcript,
		At:         at,
	})
}

func (d *Detector) finishTurnLocked(evt Event) {
	d.speaking = false
	d.silenceSince = time.Time{}
	d.likelySent = false
	d.dropQueued(KindEndOfTurnLikely)
	d.emit(evt)
}

func (d *Detector) classify(ctx context.Context) (float64, error) {
	if d.clf == nil || strings.TrimSpace(d.transcript) == "" {
		return 0, errNoClassifier
	}
	return d.clf.EndOfTurnScore(ctx, d.transcript)
}

func (d *Detector) emit(evt Event) {
	d.queue = append(d.queue, evt)
	d.observe(evt.Kind)
	d.wake()
}

func (d *Detector) emitPriority(evt Event) {
	d.priority = append(d.priority, evt)
	d.observe(evt.Kind)
	d.wake()
}

func (d *Detector) dropQueued(kind Kind) {
	kept := d.queue[:0]
	for _, evt := range d.queue {
		if evt.Kind != kind {
			kept = append(kept, evt)
		}
	}
	d.queue = kept
}

func (d *Detector) observe(kind Kind) {
	if d.onEvent != nil {
		d.onEvent(kind)
	}
}

func (d *Detector) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}
