package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagehand-ai/stagehand/internal/observability"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientActivity   MessageType = "client_activity"
	TypeClientPartial    MessageType = "client_partial"
	TypeClientControl    MessageType = "client_control"
	TypeTurnEvent        MessageType = "turn_event"
	TypeAssistantText    MessageType = "assistant_text"
	TypeAssistantAudio   MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd MessageType = "assistant_turn_end"
	TypePersonaChanged   MessageType = "persona_changed"
	TypeSessionSummary   MessageType = "session_summary"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientActivity is one voice-activity score sample from the client's audio
// front end.
type ClientActivity struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Score     float64     `json:"score"`
	TSMs      int64       `json:"ts_ms"`
}

// ClientPartial is an incremental transcript fragment.
type ClientPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// TurnEvent mirrors a turn boundary event to the client.
type TurnEvent struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Kind       string      `json:"kind"`
	Confidence float64     `json:"confidence"`
	Degraded   bool        `json:"degraded,omitempty"`
	TSMs       int64       `json:"ts_ms"`
}

type AssistantText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	Text        string      `json:"text,omitempty"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Status    string      `json:"status"`
}

// PersonaChanged announces a completed handoff.
type PersonaChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	PersonaID string      `json:"persona_id"`
}

// SessionSummary is the final usage summary, sent once before close.
type SessionSummary struct {
	Type      MessageType                `json:"type"`
	SessionID string                     `json:"session_id"`
	Summary   observability.UsageSummary `json:"summary"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientActivity:
		var msg ClientActivity
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Score < 0 || msg.Score > 1 {
			return nil, errors.New("invalid client_activity")
		}
		return msg, nil
	case TypeClientPartial:
		var msg ClientPartial
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid client_partial")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
