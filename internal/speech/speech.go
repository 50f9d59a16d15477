// Package speech turns terminal response text into an ordered, cancellable
// stream of synthesized audio chunks.
package speech

import (
	"context"

	"github.com/stagehand-ai/stagehand/internal/persona"
)

// Chunk is one synthesized audio unit, emitted in order.
type Chunk struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
}

// Synthesizer is the speech synthesis boundary: one text span in, one audio
// chunk out. Implementations must honor ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice persona.VoiceProfile) (Chunk, error)
}
