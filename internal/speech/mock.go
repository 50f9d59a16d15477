package speech

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/stagehand-ai/stagehand/internal/persona"
)

// MockSynthesizer produces deterministic placeholder audio. It stands in for
// a real synthesis provider in tests and local development.
type MockSynthesizer struct {
	// Delay simulates per-span synthesis latency.
	Delay time.Duration
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, voice persona.VoiceProfile) (Chunk, error) {
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Chunk{
		AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)),
		Format:      "audio/mock",
	}, nil
}
