package cli

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cellagent/cellagent/internal/agent"
	"github.com/cellagent/cellagent/internal/approval"
	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/events"
	"github.com/cellagent/cellagent/internal/gateway"
	"github.com/cellagent/cellagent/internal/heartbeat"
	"github.com/cellagent/cellagent/internal/memory"
	"github.com/cellagent/cellagent/internal/notify"
	"github.com/cellagent/cellagent/internal/provider"
	"github.com/cellagent/cellagent/internal/scheduler"
	"github.com/cellagent/cellagent/internal/skills"
	"github.com/cellagent/cellagent/internal/store"
	"github.com/cellagent/cellagent/internal/tools"
)

// app is the fully wired process: one store, one hub, one registry.
type app struct {
	cfg       *config.Config
	store     *store.Store
	hub       *bus.Hub
	provider  *provider.OpenAIProvider
	notifier  *notify.Notifier
	registry  *tools.Registry
	skills    *skills.Loader
	indexer   *memory.Indexer
	conductor *agent.Conductor
	heartbeat *heartbeat.Runner
	scheduler *scheduler.Scheduler
	tasks     *approval.Service
	router    *events.Router
	gateway   *gateway.Server
}

func newApp(cfg *config.Config) (*app, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	st, err := store.Open(cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}
	a.hub = bus.NewHub(256)
	a.provider = provider.NewOpenAIProvider(
		cfg.Providers.OpenAI.APIKey,
		cfg.Providers.OpenAI.APIBase,
		cfg.Model.Name,
		cfg.Providers.OpenAI.EmbeddingModel,
	)
	a.notifier = notify.New(st, a.hub)
	a.indexer = memory.NewIndexer(a.provider, st, memory.IndexerConfig{Model: cfg.Providers.OpenAI.EmbeddingModel})

	a.registry = tools.NewRegistry()
	builtins := &tools.Builtins{Store: st, Search: a.indexer}
	builtins.Register(a.registry)

	a.skills = skills.NewLoader(skills.Bundled(cfg.Skills, skills.BundleDeps{
		Workspace:  st.Workspace(),
		Drafts:     st,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})...)
	a.skills.Load(a.registry)

	compressor := memory.NewCompressor(memory.CompressorConfig{
		Model:  cfg.Model.Name,
		Window: cfg.Model.CompressWindow,
	}, st, a.provider)

	a.conductor = agent.NewConductor(agent.Deps{
		Store:       st,
		Provider:    a.provider,
		Registry:    a.registry,
		Broadcaster: a.hub,
		Compressor:  compressor,
		Indexer:     a.indexer,
		Skills:      a.skills,
	}, agent.Options{
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxToolRounds: cfg.Model.MaxToolRounds,
		HistoryWindow: cfg.Model.HistoryWindow,
		CompressEvery: cfg.Model.CompressEvery,
		PromptBudget:  cfg.Model.PromptBudgetChars,
	})

	a.heartbeat = heartbeat.NewRunner(a.conductor, st, a.notifier)

	schedCfg := cfg.Scheduler
	schedCfg.TickInterval = cfg.TickInterval()
	a.scheduler = scheduler.New(schedCfg, scheduler.Deps{
		Store:       st,
		Conductor:   a.conductor,
		Heartbeats:  a.heartbeat,
		Notifier:    a.notifier,
		Broadcaster: a.hub,
	})
	builtins.Scheduler = a.scheduler

	a.tasks = approval.NewService(approval.Deps{
		Store:       st,
		Scheduler:   a.scheduler,
		Publisher:   a.skills,
		Notifier:    a.notifier,
		Broadcaster: a.hub,
	})
	a.router = events.NewRouter(st, a.conductor, a.scheduler)

	a.gateway = gateway.New(gateway.Config{
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
		AuthToken: cfg.Gateway.AuthToken,
		Version:   version,
	}, gateway.Deps{
		Conductor: a.conductor,
		Hub:       a.hub,
		Tasks:     a.tasks,
		Webhooks:  a.router,
		Digest:    a.notifier,
		Skills:    a.skills,
	})
	return a, nil
}

// Close waits for in-flight conductor work and releases the store.
func (a *app) Close() error {
	var errs []error
	if a.conductor != nil {
		a.conductor.Wait()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
