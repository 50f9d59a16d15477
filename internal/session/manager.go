package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/persona"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrClosed          = errors.New("session is closed")
	ErrHandoffConflict = errors.New("handoff already in progress")
)

// Hooks are invoked exactly once per session lifecycle transition.
type Hooks struct {
	OnSessionStart func(Snapshot)
	OnSessionEnd   func(Snapshot, observability.UsageSummary)
}

type state struct {
	snap      Snapshot
	active    persona.Persona
	turns     []Turn
	nextSeq   uint64
	// visibleStart is the index of the first turn the active persona sees.
	visibleStart int
	switching    bool
	usage        *observability.UsageRecorder
	ended        bool
}

// Manager owns all live sessions: active persona, conversation history and
// usage metrics. Session state is never shared across sessions.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*state
	personas          *persona.Registry
	inactivityTimeout time.Duration
	hooks             Hooks
	onDroppedSample   func()
}

func NewManager(personas *persona.Registry, inactivityTimeout time.Duration, hooks Hooks, onDroppedSample func()) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*state),
		personas:          personas,
		inactivityTimeout: inactivityTimeout,
		hooks:             hooks,
		onDroppedSample:   onDroppedSample,
	}
}

// Create registers a new session with the given (or default) persona and
// fires OnSessionStart.
func (m *Manager) Create(userID, personaID string) (Snapshot, error) {
	p := m.personas.Default()
	if strings.TrimSpace(personaID) != "" {
		var err error
		p, err = m.personas.Get(personaID)
		if err != nil {
			return Snapshot{}, err
		}
	}

	now := time.Now().UTC()
	s := &state{
		snap: Snapshot{
			ID:             uuid.NewString(),
			UserID:         userID,
			State:          StateConnecting,
			PersonaID:      p.ID,
			StartedAt:      now,
			LastActivityAt: now,
		},
		active:  p,
		nextSeq: 1,
	}
	s.usage = observability.NewUsageRecorder(s.snap.ID, m.onDroppedSample)

	m.mu.Lock()
	m.sessions[s.snap.ID] = s
	m.mu.Unlock()

	if m.hooks.OnSessionStart != nil {
		m.hooks.OnSessionStart(s.snap)
	}
	return s.snap, nil
}

func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.snap, nil
}

// Attach marks the session active once its transport is connected.
func (m *Manager) Attach(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.ended {
		return ErrClosed
	}
	s.snap.State = StateActive
	s.snap.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.snap.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Interrupt(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.snap.Interruptions++
	s.snap.LastActivityAt = time.Now().UTC()
	return nil
}

// ActivePersona returns the persona currently owning the session.
func (m *Manager) ActivePersona(id string) (persona.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return persona.Persona{}, ErrNotFound
	}
	return s.active, nil
}

// AppendTurn appends one conversation turn and returns it with its assigned
// sequence number.
func (m *Manager) AppendTurn(id string, role Role, content, tool string, payload json.RawMessage) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Turn{}, ErrNotFound
	}
	if s.ended {
		return Turn{}, ErrClosed
	}
	t := Turn{
		Seq:     s.nextSeq,
		Role:    role,
		Content: content,
		Tool:    tool,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	s.nextSeq++
	s.turns = append(s.turns, t)
	s.snap.LastActivityAt = t.At
	return t, nil
}

// VisibleHistory returns the turns the active persona sees, in order.
func (m *Manager) VisibleHistory(id string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(s.turns)-s.visibleStart)
	copy(out, s.turns[s.visibleStart:])
	return out, nil
}

// FullHistory returns every turn of the session, for metrics and audit.
func (m *Manager) FullHistory(id string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

// Usage returns the session's usage recorder.
func (m *Manager) Usage(id string) (*observability.UsageRecorder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.usage, nil
}

// SwitchPersona atomically replaces the active persona and applies the
// handoff's history-carry policy. The switch completes fully before it
// returns; a concurrent switch attempt fails with ErrHandoffConflict.
func (m *Manager) SwitchPersona(id string, h persona.Handoff) (persona.Persona, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return persona.Persona{}, ErrNotFound
	}
	if s.ended {
		m.mu.Unlock()
		return persona.Persona{}, ErrClosed
	}
	if s.switching {
		m.mu.Unlock()
		return persona.Persona{}, ErrHandoffConflict
	}
	s.switching = true
	m.mu.Unlock()

	target, lookupErr := m.personas.Get(h.TargetPersona)

	m.mu.Lock()
	defer m.mu.Unlock()
	s.switching = false
	if lookupErr != nil {
		return persona.Persona{}, lookupErr
	}

	now := time.Now().UTC()
	switch h.Carry {
	case persona.CarryAll, "":
		// Full history stays visible to the new persona.
	case persona.CarryNone:
		s.visibleStart = len(s.turns)
		if strings.TrimSpace(h.Message) != "" {
			s.turns = append(s.turns, Turn{
				Seq:     s.nextSeq,
				Role:    RoleAssistant,
				Content: h.Message,
				At:      now,
			})
			s.nextSeq++
		}
	case persona.CarrySummary:
		digest := summarizeTurns(s.turns[s.visibleStart:])
		s.visibleStart = len(s.turns)
		s.turns = append(s.turns, Turn{
			Seq:     s.nextSeq,
			Role:    RoleAssistant,
			Content: digest,
			At:      now,
		})
		s.nextSeq++
	default:
		return persona.Persona{}, fmt.Errorf("unknown carry policy %q", h.Carry)
	}

	s.active = target
	s.snap.PersonaID = target.ID
	s.snap.LastActivityAt = now
	s.usage.Append(observability.UsageSample{
		Component: "session",
		Metric:    observability.MetricHandoff,
		Value:     1,
		At:        now,
	})
	return target, nil
}

// End transitions the session to closed, seals its usage summary and fires
// OnSessionEnd. Only the first call performs the transition; later calls
// return the already-sealed summary.
func (m *Manager) End(id string) (Snapshot, observability.UsageSummary, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, observability.UsageSummary{}, ErrNotFound
	}
	alreadyEnded := s.ended
	if !alreadyEnded {
		s.ended = true
		s.snap.State = StateEnding
	}
	m.mu.Unlock()

	summary := s.usage.Summary()

	m.mu.Lock()
	s.snap.State = StateClosed
	snap := s.snap
	m.mu.Unlock()

	if !alreadyEnded && m.hooks.OnSessionEnd != nil {
		m.hooks.OnSessionEnd(snap, summary)
	}
	return snap, summary, nil
}

// Remove forgets a closed session entirely.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if !s.ended {
			count++
		}
	}
	return count
}

// StartJanitor expires inactive sessions on a ticker until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []string

	m.mu.RLock()
	for id, s := range m.sessions {
		if s.ended {
			continue
		}
		if now.Sub(s.snap.LastActivityAt) >= m.inactivityTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	// Expiry runs the same end-of-session path as an explicit close.
	for _, id := range expired {
		_, _, _ = m.End(id)
	}
}

func summarizeTurns(turns []Turn) string {
	users, assistants, toolCalls := 0, 0, 0
	lastUser := ""
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			users++
			lastUser = t.Content
		case RoleAssistant:
			assistants++
		case RoleTool:
			toolCalls++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation so far: %d user turns, %d assistant turns, %d tool results.", users, assistants, toolCalls)
	if lastUser != "" {
		fmt.Fprintf(&b, " Most recent user request: %s", lastUser)
	}
	return b.String()
}
