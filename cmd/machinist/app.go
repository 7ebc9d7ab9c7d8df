package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/machinist/internal/agent"
	"github.com/kalambet/machinist/internal/analytics"
	"github.com/kalambet/machinist/internal/api"
	"github.com/kalambet/machinist/internal/config"
	"github.com/kalambet/machinist/internal/conversation"
	"github.com/kalambet/machinist/internal/ingest"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/ollama"
	"github.com/kalambet/machinist/internal/orchestrator"
	"github.com/kalambet/machinist/internal/prompt"
	"github.com/kalambet/machinist/internal/proxy"
	"github.com/kalambet/machinist/internal/retrieval"
	"github.com/kalambet/machinist/internal/router"
	"github.com/kalambet/machinist/internal/sqlengine"
	"github.com/kalambet/machinist/internal/storage"
	"github.com/kalambet/machinist/internal/telemetry"
)

// app holds every wired component of a running instance.
type app struct {
	cfg       config.Config
	store     *storage.Store
	exec      telemetry.Executor
	catalog   *telemetry.Catalog
	ollama    *ollama.Client
	providers *llm.Registry
	sql       *sqlengine.Engine
	manuals   *retrieval.Engine
	vectors   *retrieval.SQLiteStore
	invoker   analytics.Invoker
	indexer   *ingest.Indexer
	worker    *ingest.Worker
	threads   *conversation.Store
	agent     *orchestrator.Orchestrator
}

func openTelemetry(ctx context.Context, cfg config.Config) (telemetry.Executor, error) {
	queryTimeout := config.Duration(cfg.Timeouts.Query, 15*time.Second)
	switch cfg.Telemetry.Driver {
	case "postgres":
		return telemetry.OpenPostgres(ctx, cfg.Telemetry.DSN, queryTimeout)
	default:
		if cfg.Telemetry.DSN == "" {
			return nil, fmt.Errorf("telemetry.dsn is required: set it to the sensor database path")
		}
		return telemetry.OpenSQLite(cfg.Telemetry.DSN)
	}
}

// buildApp wires storage, telemetry, models, engines and the orchestrator.
// The caller must call close.
func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	exec, err := openTelemetry(ctx, cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening telemetry: %w", err)
	}
	a.exec = exec

	catalog, err := telemetry.BuildCatalog(ctx, exec, cfg.Telemetry.SchemaFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building telemetry catalog: %w", err)
	}
	a.catalog = catalog
	reader := telemetry.NewReader(exec, catalog, cfg.Telemetry.MaxRows, config.Duration(cfg.Timeouts.Query, 15*time.Second))
	machines := telemetry.NewMachineDirectory(reader, time.Minute)

	a.ollama = ollama.New(cfg.Ollama.BaseURL)
	providers := []llm.Provider{llm.NewOllamaProvider(a.ollama, cfg.Ollama.ChatModel)}
	if cfg.RemoteEnabled() {
		providers = append(providers, llm.NewOpenRouterProvider(proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Proxy.DefaultModel))
	}
	a.providers = llm.NewRegistry(providers...)

	if cfg.Analytics.URL != "" {
		a.invoker = analytics.NewClient(cfg.Analytics.URL, config.Duration(cfg.Timeouts.Engine, 2*time.Minute))
	} else {
		a.invoker = analytics.NewLocal(reader)
	}

	budget := prompt.Budget{}
	a.sql = sqlengine.New(reader, a.invoker, sqlengine.Options{
		Window:  config.Duration(cfg.Analytics.Window, 24*time.Hour),
		Horizon: cfg.Analytics.Horizon,
		Budget:  budget,
	})

	embedder := retrieval.NewEmbedder(a.ollama, cfg.Ollama.EmbedModel)
	a.vectors = retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, a.vectors, retrieval.Options{
		TopK:     cfg.Retrieval.TopK,
		MinScore: float32(cfg.Retrieval.MinScore),
	})
	a.manuals = retrieval.NewEngine(retriever, budget)

	a.indexer = ingest.NewIndexer(store, embedder, a.vectors, ingest.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap))
	a.worker = ingest.NewWorker(store, a.indexer, 500*time.Millisecond)

	rt, err := router.New(machines, router.Options{MachinePattern: cfg.Router.MachinePattern})
	if err != nil {
		a.close()
		return nil, err
	}

	a.threads = conversation.NewStore(store, conversation.NewLocker())
	a.agent = orchestrator.New(orchestrator.Config{
		Router: rt,
		Engines: map[router.Strategy]agent.Engine{
			router.SQL:       a.sql,
			router.Retrieval: a.manuals,
		},
		Store:     a.threads,
		Providers: a.providers,
		Timeouts: orchestrator.Timeouts{
			Router: config.Duration(cfg.Timeouts.Router, 10*time.Second),
			Engine: config.Duration(cfg.Timeouts.Engine, 2*time.Minute),
		},
		MaxConcurrent: cfg.Server.MaxConcurrent,
	})
	slog.Info("components ready",
		"telemetry", cfg.Telemetry.Driver,
		"tables", len(catalog.Tables),
		"providers", len(providers),
		"remote_analytics", cfg.Analytics.URL != "")
	return a, nil
}

func (a *app) handler() http.Handler {
	return api.NewHandler(api.Deps{
		Agent:     a.agent,
		Threads:   a.threads,
		Documents: a.indexer,
		Listing:   a.store,
		Chunks:    a.vectors,
		Health:    a,
		Token:     a.cfg.Server.APIToken,
	})
}

func (a *app) mcpDeps(planner llm.Provider) api.MCPDeps {
	return api.MCPDeps{
		Telemetry: a.sql,
		Manuals:   a.manuals,
		Analytics: a.invoker,
		Provider:  planner,
		Schema:    a.catalog.Describe,
	}
}

// Health reports the reachability of the model runtime and telemetry
// store, the local schema version and the reindex queue.
func (a *app) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out := storageStatus(ctx, a.store)
	out["ollama"] = ollamaStatus(ctx, a.ollama, a.cfg.Ollama.ChatModel, a.cfg.Ollama.FastModel, a.cfg.Ollama.EmbedModel)
	out["telemetry"] = "ok"
	if _, err := a.exec.Introspect(ctx); err != nil {
		out["telemetry"] = err.Error()
	}
	return out
}

func (a *app) close() {
	if a.exec != nil {
		if err := a.exec.Close(); err != nil {
			slog.Warn("closing telemetry", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "err", err)
	}
}
