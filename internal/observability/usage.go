package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// UsageSample is one numeric measurement emitted by a component.
type UsageSample struct {
	Component string
	Metric    string
	Value     float64
	At        time.Time
}

// ToolCallCount breaks tool invocations down by idempotency class and outcome.
type ToolCallCount struct {
	Class     string `json:"class"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// UsageSummary is produced once per session when it ends.
type UsageSummary struct {
	SessionID          string          `json:"session_id"`
	GeneratedAt        time.Time       `json:"generated_at"`
	Exchanges          int             `json:"exchanges"`
	CancelledExchanges int             `json:"cancelled_exchanges"`
	FallbackExchanges  int             `json:"fallback_exchanges"`
	Handoffs           int             `json:"handoffs"`
	ToolCalls          []ToolCallCount `json:"tool_calls"`
	TotalToolCalls     int             `json:"total_tool_calls"`
	SpeechDurationMS   float64         `json:"speech_duration_ms"`
	Latencies          []LatencyStats  `json:"latencies"`
}

// Well-known metric names consumed by the recorder. Components append
// samples; the recorder owns all aggregation.
const (
	MetricExchangeCompleted = "exchange_completed"
	MetricExchangeCancelled = "exchange_cancelled"
	MetricExchangeFallback  = "exchange_fallback"
	MetricHandoff           = "handoff"
	MetricSpeechDurationMS  = "synthesis_ms"
)

// UsageRecorder accumulates UsageSamples for one session. A persona handoff
// does not reset it. The first Summary call seals the recorder; samples
// appended afterwards are dropped and reported through onDropped.
type UsageRecorder struct {
	mu        sync.Mutex
	sessionID string
	sealed    bool
	summary   UsageSummary
	onDropped func()

	exchanges int
	cancelled int
	fallbacks int
	handoffs  int
	toolCalls map[string]*ToolCallCount
	speechMS  float64
	window    *latencyWindow
}

func NewUsageRecorder(sessionID string, onDropped func()) *UsageRecorder {
	return &UsageRecorder{
		sessionID: sessionID,
		onDropped: onDropped,
		toolCalls: make(map[string]*ToolCallCount),
		window:    newLatencyWindow(256),
	}
}

// Append records one sample. Safe for concurrent use.
func (r *UsageRecorder) Append(s UsageSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		if r.onDropped != nil {
			r.onDropped()
		}
		return
	}

	switch s.Metric {
	case MetricExchangeCompleted:
		r.exchanges++
	case MetricExchangeCancelled:
		r.exchanges++
		r.cancelled++
	case MetricExchangeFallback:
		r.exchanges++
		r.fallbacks++
	case MetricHandoff:
		r.handoffs++
	}

	if s.Metric == MetricSpeechDurationMS {
		r.speechMS += s.Value
	}
	if strings.HasSuffix(s.Metric, "_ms") {
		r.window.Observe(s.Component+"/"+s.Metric, s.Value)
	}
}

// CountToolCall records one tool invocation outcome by idempotency class.
func (r *UsageRecorder) CountToolCall(class string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		if r.onDropped != nil {
			r.onDropped()
		}
		return
	}
	c, found := r.toolCalls[class]
	if !found {
		c = &ToolCallCount{Class: class}
		r.toolCalls[class] = c
	}
	if ok {
		c.Succeeded++
	} else {
		c.Failed++
	}
}

// Summary seals the recorder on first call and returns the same summary on
// every subsequent call.
func (r *UsageRecorder) Summary() UsageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return r.summary
	}

	classes := make([]string, 0, len(r.toolCalls))
	for class := range r.toolCalls {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	calls := make([]ToolCallCount, 0, len(classes))
	total := 0
	for _, class := range classes {
		c := r.toolCalls[class]
		calls = append(calls, *c)
		total += c.Succeeded + c.Failed
	}

	r.summary = UsageSummary{
		SessionID:          r.sessionID,
		GeneratedAt:        time.Now().UTC(),
		Exchanges:          r.exchanges,
		CancelledExchanges: r.cancelled,
		FallbackExchanges:  r.fallbacks,
		Handoffs:           r.handoffs,
		ToolCalls:          calls,
		TotalToolCalls:     total,
		SpeechDurationMS:   round2(r.speechMS),
		Latencies:          r.window.Stats(),
	}
	r.sealed = true
	return r.summary
}
