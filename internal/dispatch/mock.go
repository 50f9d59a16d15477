package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/stagehand-ai/stagehand/internal/session"
)

// MockEngine is a deterministic stand-in for a reasoning backend. It never
// calls tools; it acknowledges the latest user utterance so the full
// turn-taking and speech path can run without external services.
type MockEngine struct {
	// Delay simulates inference latency per Complete call.
	Delay time.Duration
}

func (m *MockEngine) Complete(ctx context.Context, req Request) (Response, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}

	var lastUser string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == session.RoleUser {
			lastUser = req.History[i].Content
			break
		}
	}
	lastUser = strings.TrimSpace(lastUser)
	if lastUser == "" {
		return Response{Text: "I'm listening."}, nil
	}
	return Response{Text: "You said: " + lastUser}, nil
}
