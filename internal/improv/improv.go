// Package improv exposes the "Improv Battle" game as conversation tools. Game
// state is per session and lives only as long as the session does.
package improv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stagehand-ai/stagehand/internal/tools"
)

// ToolNames is the game tool subset granted to the host persona.
var ToolNames = []string{"start_game", "next_round", "get_game_summary"}

const maxRounds = 3

var scenarios = []string{
	"You are a time-travelling tour guide explaining modern smartphones to someone from the 1800s.",
	"You are a restaurant waiter who must calmly tell a customer that their order has escaped the kitchen.",
	"You are a customer trying to return an obviously cursed object to a very skeptical shop owner.",
	"You are a cat trying to convince a dog that you are actually a small, weird-looking dog.",
	"You are an alien trying to order a pizza but you only know words from Shakespeare plays.",
}

type roundRecord struct {
	Scenario string `json:"scenario"`
	Reaction string `json:"reaction"`
}

type game struct {
	PlayerName string        `json:"player_name"`
	Round      int           `json:"round"`
	Over       bool          `json:"over"`
	History    []roundRecord `json:"history"`
}

func (g *game) nextScenario() string {
	if g.Round < len(scenarios) {
		return scenarios[g.Round]
	}
	return ""
}

const startGameSchema = `{
	"type": "object",
	"required": ["player_name"],
	"properties": {"player_name": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`

const nextRoundSchema = `{
	"type": "object",
	"required": ["reaction"],
	"properties": {"reaction": {"type": "string"}},
	"additionalProperties": false
}`

const gameSummarySchema = `{"type": "object", "additionalProperties": false}`

// Toolset tracks one game per session.
type Toolset struct {
	mu    sync.Mutex
	games map[string]*game
}

func NewToolset() *Toolset {
	return &Toolset{games: make(map[string]*game)}
}

func (t *Toolset) Register(reg *tools.Registry) error {
	descs := []tools.Descriptor{
		{
			Name:        "start_game",
			Description: "Start the improv game once the player has given their name. Returns the first scenario.",
			InputSchema: startGameSchema,
			Class:       tools.ClassAtMostOnce,
			Handler:     t.startGame,
		},
		{
			Name:        "next_round",
			Description: "Advance to the next round after reacting to the player's performance.",
			InputSchema: nextRoundSchema,
			Class:       tools.ClassAtMostOnce,
			Handler:     t.nextRound,
		},
		{
			Name:        "get_game_summary",
			Description: "Summarize the finished game's rounds and reactions.",
			InputSchema: gameSummarySchema,
			Class:       tools.ClassPure,
			Handler:     t.gameSummary,
		},
	}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Release drops the game state for an ended session.
func (t *Toolset) Release(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.games, sessionID)
}

func (t *Toolset) startGame(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	var args struct {
		PlayerName string `json:"player_name"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	g := &game{PlayerName: args.PlayerName}
	t.games[call.SessionID] = g
	return json.Marshal(map[string]string{
		"message": fmt.Sprintf("Welcome %s! Here is your first scenario: %s", g.PlayerName, g.nextScenario()),
	})
}

func (t *Toolset) nextRound(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	var args struct {
		Reaction string `json:"reaction"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[call.SessionID]
	if !ok {
		return nil, fmt.Errorf("no game in progress; call start_game first")
	}
	if g.Over {
		return nil, fmt.Errorf("the game is over; call get_game_summary to wrap up")
	}

	g.History = append(g.History, roundRecord{Scenario: g.nextScenario(), Reaction: args.Reaction})
	g.Round++
	if g.Round >= maxRounds {
		g.Over = true
		return json.Marshal(map[string]string{
			"message": "GAME_OVER. Call get_game_summary to wrap up.",
		})
	}
	return json.Marshal(map[string]string{
		"message": fmt.Sprintf("Next scenario: %s", g.nextScenario()),
	})
}

func (t *Toolset) gameSummary(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[call.SessionID]
	if !ok {
		return nil, fmt.Errorf("no game in progress; call start_game first")
	}
	return json.Marshal(map[string]any{
		"player_name":   g.PlayerName,
		"rounds_played": g.Round,
		"history":       g.History,
	})
}
