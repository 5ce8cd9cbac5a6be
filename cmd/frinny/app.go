package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frinny-ai/frinny/internal/agent"
	"github.com/frinny-ai/frinny/internal/buildinfo"
	"github.com/frinny-ai/frinny/internal/checkpoint"
	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/connwatch"
	"github.com/frinny-ai/frinny/internal/contexts"
	"github.com/frinny-ai/frinny/internal/events"
	"github.com/frinny-ai/frinny/internal/llm"
	"github.com/frinny-ai/frinny/internal/mood"
	"github.com/frinny-ai/frinny/internal/router"
	"github.com/frinny-ai/frinny/internal/search"
	"github.com/frinny-ai/frinny/internal/tools"
)

// app holds the components shared by serve and ask: the checkpoint
// store, the context registry, and the router with its pipeline.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	store    *checkpoint.Opened
	llm      llm.Client
	primary  llm.Client // the configured provider, probed for health
	registry *contexts.Registry
	router   *router.Router
}

// newApp wires the core components from cfg. It never fails on an
// unreachable checkpoint backend; [checkpoint.Open] settles on the most
// durable backend that answers.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	bus := events.New()

	opened := checkpoint.Open(ctx, cfg.Checkpoint, logger, bus)

	llmClient, primary, err := createLLMClient(cfg, logger)
	if err != nil {
		opened.Store.Close()
		return nil, err
	}

	toolRegistry := tools.NewRegistry(logger)
	searchMgr := search.NewManager("tavily")
	if cfg.Search.Tavily.Configured() {
		searchMgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey, cfg.Search.Tavily.BaseURL, cfg.Search.Timeout, logger))
		logger.Info("rules search enabled", "providers", searchMgr.Providers(), "domain", cfg.Search.Domain)
	} else {
		logger.Info("rules search disabled (no tavily api key)")
	}
	if err := tools.RegisterGameTools(toolRegistry, &tools.RulesLookup{
		Search:     searchMgr,
		Domain:     cfg.Search.Domain,
		MaxResults: cfg.Search.MaxResults,
		Logger:     logger,
	}); err != nil {
		opened.Store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	personalities := agent.NewPersonalities()
	if err := personalities.SetDefault(cfg.Pipeline.Personality); err != nil {
		opened.Store.Close()
		return nil, fmt.Errorf("pipeline.personality: %w", err)
	}

	loop := agent.NewLoop(llmClient, toolRegistry, personalities, agent.LoopConfig{
		Model:         cfg.Models.Default,
		MaxIterations: cfg.Pipeline.MaxIterations,
	}, logger)
	loop.SetContextProvider(agent.NewCompositeContextProvider(agent.EventProvider{}))

	var scorer contexts.Scorer = contexts.OverlapScorer{}
	if cfg.Contexts.Scorer == "llm" {
		scorer = &contexts.LLMScorer{Client: llmClient, Model: cfg.Contexts.ScorerModel}
	}
	registry := contexts.New(opened.Store, scorer, contexts.ConfigFrom(cfg.Contexts), logger, bus)

	classifier, err := mood.FromConfig(cfg.Mood)
	if err != nil {
		opened.Store.Close()
		return nil, fmt.Errorf("mood: %w", err)
	}

	rtr := router.New(router.NewRooms(logger), registry, loop, classifier, router.Config{
		PipelineTimeout: cfg.Pipeline.Timeout,
	}, logger, bus)

	return &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    opened,
		llm:      llmClient,
		primary:  primary,
		registry: registry,
		router:   rtr,
	}, nil
}

// watch registers health probes for the checkpoint backend and the
// model provider.
func (a *app) watch(ctx context.Context) *connwatch.Manager {
	mgr := connwatch.NewManager(a.logger)
	a.store.Watch(ctx, mgr, a.bus)
	mgr.Watch(ctx, connwatch.WatcherConfig{
		Name:   "llm-" + a.cfg.Models.Provider,
		Probe:  a.primary.Ping,
		Logger: a.logger,
		OnChange: func(t connwatch.Transition) {
			if !t.Ready {
				a.logger.Warn("model provider unreachable", "provider", a.cfg.Models.Provider, "error", t.Err)
			}
		},
	})
	return mgr
}

// close releases the checkpoint store.
func (a *app) close() {
	if err := a.store.Store.Close(); err != nil {
		a.logger.Warn("checkpoint store close failed", "backend", a.store.Backend, "error", err)
	}
}

// createLLMClient builds a multi-provider client and returns it along
// with the configured provider's own client. The configured provider is
// the fallback for unmapped models; Ollama is always registered, OpenAI
// only when a key is present.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, llm.Client, error) {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, cfg.Models.Temperature, logger)

	var fallback llm.Client = ollamaClient
	var openaiClient *llm.OpenAIClient
	if cfg.Models.OpenAIConfigured() {
		c, err := llm.NewOpenAIClient(cfg.Models.OpenAIAPIKey, "", cfg.Models.Temperature, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("openai client: %w", err)
		}
		openaiClient = c
		if cfg.Models.Provider == "openai" {
			fallback = c
		}
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollamaClient)
	if openaiClient != nil {
		multi.AddProvider("openai", openaiClient)
		logger.Info("OpenAI provider configured")
	}
	multi.AddModel(cfg.Models.Default, cfg.Models.Provider)
	if cfg.Contexts.ScorerModel != "" && cfg.Contexts.ScorerModel != cfg.Models.Default {
		multi.AddModel(cfg.Contexts.ScorerModel, cfg.Models.Provider)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", cfg.Models.Provider)
	return multi, fallback, nil
}

// mqttStats bridges the router and registry to the MQTT publisher's
// [mqtt.StatsSource] interface.
type mqttStats struct {
	router   *router.Router
	registry *contexts.Registry
}

func (s *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *mqttStats) Version() string       { return buildinfo.Version }
func (s *mqttStats) Rooms() (int, int)     { return s.router.Rooms().Counts() }
func (s *mqttStats) CachedContexts() int   { return s.registry.Stats().CachedContexts }
