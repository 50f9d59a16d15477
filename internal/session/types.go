package session

import (
	"encoding/json"
	"time"
)

// State is the session lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateClosed     State = "closed"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one exchange in a conversation. Sequence numbers are strictly
// increasing within a session and never reused, even across persona
// handoffs.
type Turn struct {
	Seq     uint64          `json:"seq"`
	Role    Role            `json:"role"`
	Content string          `json:"content"`
	Tool    string          `json:"tool,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Snapshot is a read-only copy of session state handed to callers.
type Snapshot struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	PersonaID      string    `json:"persona_id"`
	Interruptions  int       `json:"interruptions"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
