// Package persona holds the immutable persona descriptors a session can
// switch between. Personas are shared read-only values; switching the active
// persona only changes a session's reference, never the persona itself.
package persona

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownPersona = errors.New("unknown persona")

// VoiceProfile selects voice and delivery parameters for synthesis.
type VoiceProfile struct {
	VoiceID      string
	ModelID      string
	SpeakingRate float64
	Warmth       float64
}

// Persona is an immutable conversation configuration.
type Persona struct {
	ID           string
	DisplayName  string
	Instructions string
	Voice        VoiceProfile
	// EngineModel optionally overrides the completion engine's default model.
	EngineModel string
	// toolNames is the set of tools this persona may invoke.
	toolNames map[string]struct{}
}

// New builds a Persona. The tool list is copied; later mutation of the
// caller's slice does not affect the persona.
func New(id, displayName, instructions string, voice VoiceProfile, engineModel string, tools []string) Persona {
	names := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		names[t] = struct{}{}
	}
	return Persona{
		ID:           id,
		DisplayName:  displayName,
		Instructions: instructions,
		Voice:        voice,
		EngineModel:  engineModel,
		toolNames:    names,
	}
}

// AllowsTool reports whether this persona may invoke the named tool.
func (p Persona) AllowsTool(name string) bool {
	_, ok := p.toolNames[name]
	return ok
}

// ToolNames returns the persona's permitted tool names, sorted.
func (p Persona) ToolNames() []string {
	out := make([]string, 0, len(p.toolNames))
	for name := range p.toolNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CarryPolicy controls how conversation history survives a handoff.
type CarryPolicy string

const (
	CarryAll     CarryPolicy = "carry-all"
	CarryNone    CarryPolicy = "carry-none"
	CarrySummary CarryPolicy = "carry-summary"
)

// Handoff asks the session manager to transfer the conversation to another
// persona. It is consumed exactly once and never stored as a conversation
// turn.
type Handoff struct {
	TargetPersona string
	// Message, when non-empty, is spoken as the new persona's first output.
	Message string
	Carry   CarryPolicy
}

// Registry is a process-wide read-only set of personas, built once at
// startup before any session exists.
type Registry struct {
	personas map[string]Persona
	defaults string
}

func NewRegistry(defaultID string, personas ...Persona) (*Registry, error) {
	m := make(map[string]Persona, len(personas))
	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona with empty id")
		}
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona id %q", p.ID)
		}
		m[p.ID] = p
	}
	if _, ok := m[defaultID]; !ok {
		return nil, fmt.Errorf("default persona %q not registered", defaultID)
	}
	return &Registry{personas: m, defaults: defaultID}, nil
}

func (r *Registry) Get(id string) (Persona, error) {
	p, ok := r.personas[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

func (r *Registry) Default() Persona {
	return r.personas[r.defaults]
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.personas))
	for id := range r.personas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
