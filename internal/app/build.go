// Package app assembles the orchestration core from configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagehand-ai/stagehand/internal/catalog"
	"github.com/stagehand-ai/stagehand/internal/commerce"
	"github.com/stagehand-ai/stagehand/internal/config"
	"github.com/stagehand-ai/stagehand/internal/dispatch"
	"github.com/stagehand-ai/stagehand/internal/httpapi"
	"github.com/stagehand-ai/stagehand/internal/improv"
	"github.com/stagehand-ai/stagehand/internal/observability"
	"github.com/stagehand-ai/stagehand/internal/orchestrator"
	"github.com/stagehand-ai/stagehand/internal/persona"
	"github.com/stagehand-ai/stagehand/internal/session"
	"github.com/stagehand-ai/stagehand/internal/speech"
	"github.com/stagehand-ai/stagehand/internal/store"
	"github.com/stagehand-ai/stagehand/internal/tools"
	"github.com/stagehand-ai/stagehand/internal/turndetect"
)

const hostInstructions = `You are the charismatic and witty host of a TV improv show called 'Improv Battle'.
Guide the player through a series of improv challenges: welcome them, ask for
their name, start the game, present each scenario clearly, react to their
performance with warmth and honesty, and wrap up with a summary of their
improv style. Keep the show moving. If the player wants to buy show
merchandise, transfer them to the concierge.`

const conciergeInstructions = `You are the show's merchandise concierge. Help the caller browse the
catalog, answer questions about products, and place orders. Confirm product
and quantity before ordering, and read back the total. When the caller wants
to get back to the game, transfer them to the host.`

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires every component. A nil engine selects the deterministic mock,
// which keeps the full pipeline runnable without a reasoning backend.
func Build(ctx context.Context, cfg config.Config, engine dispatch.Engine) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	log := observability.Logger()

	var orders store.OrderStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("order store init failed: %w", err)
		}
		orders = pg
		log.Info("order store: postgres")
	} else {
		orders = store.NewMemoryStore()
		log.Info("order store: in-memory")
	}

	registry := tools.NewRegistry(cfg.ToolTimeout)
	if err := commerce.NewToolset(catalog.Default(), orders).Register(registry); err != nil {
		orders.Close()
		return nil, fmt.Errorf("register commerce tools: %w", err)
	}
	games := improv.NewToolset()
	if err := games.Register(registry); err != nil {
		orders.Close()
		return nil, fmt.Errorf("register improv tools: %w", err)
	}
	if err := registerTransferTools(registry); err != nil {
		orders.Close()
		return nil, fmt.Errorf("register transfer tools: %w", err)
	}

	host := persona.New(
		"host",
		"Improv Battle Host",
		hostInstructions,
		persona.VoiceProfile{VoiceID: "voice-host", SpeakingRate: 1.1, Warmth: 0.9},
		"stagehand-core",
		append(append([]string{}, improv.ToolNames...), "transfer_to_concierge"),
	)
	concierge := persona.New(
		"concierge",
		"Merch Concierge",
		conciergeInstructions,
		persona.VoiceProfile{VoiceID: "voice-concierge", SpeakingRate: 1.0, Warmth: 0.7},
		"stagehand-core",
		append(append([]string{}, commerce.ToolNames...), "transfer_to_host"),
	)
	personas, err := persona.NewRegistry(cfg.DefaultPersonaID, host, concierge)
	if err != nil {
		orders.Close()
		return nil, fmt.Errorf("persona registry: %w", err)
	}

	sessions := session.NewManager(personas, cfg.SessionInactivityTimeout, session.Hooks{
		OnSessionStart: func(snap session.Snapshot) {
			log.Info("session started", "session_id", snap.ID, "persona", snap.PersonaID)
		},
		OnSessionEnd: func(snap session.Snapshot, summary observability.UsageSummary) {
			metrics.SessionEvents.WithLabelValues("ended").Inc()
			log.Info("session ended",
				"session_id", snap.ID,
				"exchanges", summary.Exchanges,
				"tool_calls", summary.TotalToolCalls,
				"handoffs", summary.Handoffs,
				"interruptions", snap.Interruptions,
			)
		},
	}, func() { metrics.DroppedSamples.Inc() })

	if engine == nil {
		engine = &dispatch.MockEngine{}
		log.Info("reasoning engine: mock")
	}
	dispatcher := dispatch.NewDispatcher(engine, registry, cfg.MaxToolRounds, cfg.EngineTimeout, metrics, log)

	speechCtrl := speech.NewController(&speech.MockSynthesizer{}, cfg.SpeechMinSpanRunes, log)

	orch := orchestrator.New(
		sessions,
		dispatcher,
		speechCtrl,
		metrics,
		turndetect.Config{
			ActivityThreshold:  cfg.ActivityThreshold,
			SilenceWindow:      cfg.SilenceWindow,
			EndOfTurnThreshold: cfg.EndOfTurnThreshold,
			LikelyThreshold:    cfg.LikelyThreshold,
		},
		turndetect.HeuristicClassifier{},
		[]func(string){registry.ReleaseSession, games.Release},
		log,
	)

	api := httpapi.New(cfg, sessions, orch, metrics)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Metrics:      metrics,
		Cleanup: func() error {
			orders.Close()
			return nil
		},
	}, nil
}

func registerTransferTools(reg *tools.Registry) error {
	type transfer struct {
		name    string
		target  string
		carry   persona.CarryPolicy
		message string
		desc    string
	}
	transfers := []transfer{
		{
			name:    "transfer_to_concierge",
			target:  "concierge",
			carry:   persona.CarrySummary,
			message: "Hi, this is the merch concierge. What can I get you?",
			desc:    "Hand the caller to the merchandise concierge for browsing and orders.",
		},
		{
			name:    "transfer_to_host",
			target:  "host",
			carry:   persona.CarrySummary,
			message: "Welcome back to Improv Battle! Where were we?",
			desc:    "Hand the caller back to the improv show host.",
		},
	}
	for _, tr := range transfers {
		tr := tr
		err := reg.Register(tools.Descriptor{
			Name:        tr.name,
			Description: tr.desc,
			InputSchema: `{"type":"object","properties":{"reason":{"type":"string"}},"additionalProperties":false}`,
			Class:       tools.ClassHandoff,
			HandoffHandler: func(ctx context.Context, call tools.Call) (persona.Handoff, error) {
				return persona.Handoff{
					TargetPersona: tr.target,
					Message:       tr.message,
					Carry:         tr.carry,
				}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
