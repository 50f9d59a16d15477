package turndetect

import (
	"context"
	"strings"
)

// HeuristicClassifier scores end-of-turn from transcript shape alone. It is
// the default when no model-backed classifier is configured.
type HeuristicClassifier struct{}

func (HeuristicClassifier) EndOfTurnScore(_ context.Context, transcript string) (float64, error) {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return 0, nil
	}

	score := 0.5
	switch {
	case strings.HasSuffix(t, "?"), strings.HasSuffix(t, "."), strings.HasSuffix(t, "!"):
		score = 0.9
	case strings.HasSuffix(t, ","), strings.HasSuffix(t, "and"), strings.HasSuffix(t, "but"),
		strings.HasSuffix(t, "so"), strings.HasSuffix(t, "because"):
		// Trailing conjunctions read as a held turn.
		score = 0.2
	}

	// Very short fragments rarely close a turn on their own.
	if len(strings.Fields(t)) < 2 && score > 0.4 {
		score = 0.4
	}
	return score, nil
}
