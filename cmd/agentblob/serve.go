package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentblob/internal/channels/telegram"
	"github.com/haasonsaas/agentblob/internal/config"
	"github.com/haasonsaas/agentblob/internal/eventlog"
	"github.com/haasonsaas/agentblob/internal/gateway"
	"github.com/haasonsaas/agentblob/internal/memory"
	"github.com/haasonsaas/agentblob/internal/observability"
	"github.com/haasonsaas/agentblob/internal/policy"
	"github.com/haasonsaas/agentblob/internal/runtime"
	"github.com/haasonsaas/agentblob/internal/runtime/providers"
	"github.com/haasonsaas/agentblob/internal/scheduler"
	"github.com/haasonsaas/agentblob/internal/skills"
	"github.com/haasonsaas/agentblob/internal/tools"
	"github.com/haasonsaas/agentblob/internal/workers"
)

// buildServeCmd creates the "serve" command that starts the gateway process.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Agent Blob gateway",
		Long: `Start the gateway process with every configured component.

The process will:
1. Open the append-only event log
2. Load permission rules and persisted decisions
3. Open the memory store (when enabled)
4. Initialize the LLM provider and tool registry
5. Start the scheduler and the websocket control plane
6. Start the Telegram adapter (when enabled)

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config location
  agentblob serve

  # Start with an explicit config
  agentblob serve --config /etc/agentblob/agentblob.yaml

  # Start with debug logging
  agentblob serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe wires every component and blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	slog.Info("starting agentblob gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for _, dir := range []string{cfg.Data.Dir, cfg.WorkspaceDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	// One gateway per data dir: a second instance would interleave event log
	// and memory store writes.
	lock, err := gateway.AcquireLock(filepath.Join(cfg.Data.Dir, "gateway.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	slog.Info("configuration loaded",
		"data_dir", cfg.Data.Dir,
		"ws_port", cfg.Server.Port,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	eventLog, err := eventlog.Open(cfg.EventLogDir(),
		eventlog.WithMaxBytes(cfg.EventLog.MaxBytes),
		eventlog.WithRetention(cfg.EventLog.KeepDays, cfg.EventLog.KeepMaxFiles),
		eventlog.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()

	metrics := observability.NewMetrics()
	bus := gateway.NewBus(eventLog, metrics)

	engine, err := policy.NewEngine(policy.Rules{
		Allow:   cfg.Permissions.Allow,
		Ask:     cfg.Permissions.Ask,
		Deny:    cfg.Permissions.Deny,
		Default: policy.Decision(cfg.Permissions.Default),
	}, cfg.OverridesPath())
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	broker := policy.NewBroker(engine,
		policy.WithRequestTTL(cfg.Permissions.RequestTTL),
		policy.WithBrokerLogger(logger),
	)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	memService, memStore, err := buildMemory(cfg, bus, provider, logger)
	if err != nil {
		return err
	}
	if memStore != nil {
		defer memStore.Close()
	}

	skillsLoader := skills.NewLoader(cfg.Skills, logger)

	registry := tools.NewRegistry()
	registry.Register(tools.NewShellTool(tools.ShellConfig{
		Workspace:      cfg.WorkspaceDir(),
		DefaultTimeout: cfg.Runtime.ToolTimeout,
	}))
	registry.Register(tools.NewReadFileTool(tools.FSConfig{Workspace: cfg.WorkspaceDir()}))
	registry.Register(tools.NewWriteFileTool(tools.FSConfig{Workspace: cfg.WorkspaceDir()}))
	registry.Register(tools.NewSkillsListTool(skillsLoader))
	registry.Register(tools.NewSkillsGetTool(skillsLoader))
	if memService != nil {
		registry.Register(tools.NewMemorySearchTool(memService))
		registry.Register(tools.NewMemorySaveTool(memService))
		registry.Register(tools.NewMemoryDeleteTool(memService))
	}

	// The executor reads tools through the registry pointer, so the worker
	// tool can be registered after the manager exists.
	var execMemory runtime.Memory
	if memService != nil {
		execMemory = memService
	}
	executor, err := runtime.NewExecutor(runtime.ExecutorConfig{
		Provider: provider,
		Registry: registry,
		Broker:   broker,
		Events:   bus,
		Memory:   execMemory,
		Skills:   skillsLoader,
		Metrics:  metrics,
		Runtime:  cfg.Runtime,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	workerMgr := workers.NewManager(workers.NewRegistry(cfg.Workers), executor, cfg.Workers.MaxDepth,
		workers.WithManagerLogger(logger))
	registry.Register(tools.NewWorkerRunTool(workerMgr, cfg.Workers.Types, cfg.Workers.MaxDepth))
	// Delegation blocks until the child run finishes, so its deadline is
	// sized from the worker round budget, not the default tool timeout.
	executor.ConfigureToolTimeout("worker_run", workerRunTimeout(cfg.Workers, cfg.Runtime))

	queue := gateway.NewSessionQueue(executor, bus, metrics, cfg.Gateway.QueueSoftCap, logger)

	srv := gateway.NewServer(gateway.Deps{
		Config:  cfg,
		Bus:     bus,
		Queue:   queue,
		Broker:  broker,
		Memory:  memService,
		Workers: workerMgr,
		Metrics: metrics,
		Logger:  logger,
		Version: version,
	})

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		store, err := scheduler.OpenStore(cfg.SchedulesPath())
		if err != nil {
			return fmt.Errorf("open schedule store: %w", err)
		}
		sched = scheduler.New(store, srv, cfg.Scheduler,
			scheduler.WithLogger(logger),
			scheduler.WithMetrics(metrics),
		)
		srv.AttachScheduler(sched)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	var adapter *telegram.Adapter
	if cfg.Channels.Telegram.Enabled {
		adapter, err = telegram.NewAdapter(telegram.Config{
			Token:        cfg.Channels.Telegram.BotToken,
			ChatID:       cfg.Channels.Telegram.ChatID,
			EditInterval: cfg.Channels.Telegram.EditInterval,
			Logger:       logger,
		}, telegram.Deps{
			Gateway: srv,
			Bus:     bus,
			Broker:  broker,
		})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("start telegram adapter: %w", err)
		}
	}

	slog.Info("agentblob gateway started",
		"ws_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"metrics_port", cfg.Server.MetricsPort,
		"provider", provider.Name(),
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if adapter != nil {
		if err := adapter.Stop(shutdownCtx); err != nil {
			slog.Warn("telegram adapter stop", "error", err)
		}
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			slog.Warn("scheduler stop", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("agentblob gateway stopped gracefully")
	return nil
}

// workerRunTimeout sizes the worker_run deadline: a worker may spend up to
// its round budget, each round one full model turn plus one tool call.
func workerRunTimeout(wc config.WorkersConfig, rc config.RuntimeConfig) time.Duration {
	rounds := wc.MaxRounds
	if rounds <= 0 {
		rounds = 8
	}
	turn := rc.TurnTimeout
	if turn <= 0 {
		turn = 5 * time.Minute
	}
	tool := rc.ToolTimeout
	if tool <= 0 {
		tool = time.Minute
	}
	return time.Duration(rounds) * (turn + tool)
}

// buildProvider constructs the configured LLM provider. The conventional
// environment variable fills in when the config carries no key.
func buildProvider(cfg *config.Config) (runtime.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	pc := cfg.Provider(name)
	switch name {
	case "", "anthropic":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.DefaultProvider)
	}
}

// buildMemory assembles the memory service when enabled. A missing embedder
// degrades retrieval to lexical scoring instead of failing startup.
func buildMemory(cfg *config.Config, bus *gateway.Bus, provider runtime.LLMProvider, logger *slog.Logger) (*memory.Service, *memory.Store, error) {
	if !cfg.Memory.Enabled {
		return nil, nil, nil
	}
	store, err := memory.OpenStore(cfg.MemoryDBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	pinned, err := memory.LoadPinned(cfg.PinnedPath())
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load pinned memory: %w", err)
	}

	var embedder memory.Embedder
	if cfg.Memory.Embeddings.Enabled {
		oc := cfg.Provider("openai")
		apiKey := oc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			logger.Warn("embeddings enabled but no openai key, retrieval stays lexical")
		} else {
			emb, err := memory.NewOpenAIEmbedder(memory.EmbedderConfig{
				APIKey:  apiKey,
				BaseURL: oc.BaseURL,
				Model:   cfg.Memory.Embeddings.Model,
			})
			if err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("embedder: %w", err)
			}
			embedder = emb
		}
	}

	extractor := memory.NewExtractor(completionText(provider), cfg.Memory.ExtractionModel,
		cfg.Memory.ImportanceMin, logger)

	svc := memory.NewService(memory.ServiceConfig{
		Store:     store,
		Pinned:    pinned,
		Embedder:  embedder,
		Extractor: extractor,
		Events:    bus,
		AuditPath: cfg.MemoryAuditPath(),
		Config:    cfg.Memory,
		Logger:    logger,
	})
	return svc, store, nil
}

// completionText adapts the streaming provider interface to the single-shot
// completion the memory extractor wants.
func completionText(provider runtime.LLMProvider) memory.CompletionFunc {
	return func(ctx context.Context, model, system, user string) (string, error) {
		chunks, err := provider.Complete(ctx, &runtime.CompletionRequest{
			Model:  model,
			System: system,
			Messages: []runtime.CompletionMessage{
				{Role: "user", Content: user},
			},
		})
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for chunk := range chunks {
			if chunk.Error != nil {
				return "", chunk.Error
			}
			b.WriteString(chunk.Text)
		}
		return b.String(), nil
	}
}
