// TaskMesh orchestration engine — consumes tasks from the queue and the HTTP
// API, runs them through the agent tree, and manages loop schedules.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agent"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/api"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/optimizer"
	"github.com/taskmesh/taskmesh/pkg/planner"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/resolver"
	"github.com/taskmesh/taskmesh/pkg/scheduler"
	"github.com/taskmesh/taskmesh/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the replica identifier used as the queue consumer
// name. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if cfg.System.PodID != "" {
		podID = cfg.System.PodID
	}
	httpPort := cfg.System.HTTPPort

	slog.Info("Starting TaskMesh",
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	// 2. Initialize stores: PostgreSQL when DATABASE_URL is set, otherwise
	// in-memory (single-process development mode).
	var stores *store.Stores
	var eventSinks []events.Sink
	traceSink := events.NewMemorySink(0)
	eventSinks = append(eventSinks, traceSink)

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		dbClient, err := store.NewClient(ctx, databaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		stores = dbClient.NewStores()
		eventSinks = append(eventSinks, events.NewPostgresSink(dbClient.Pool()))
		slog.Info("Connected to PostgreSQL database")
	} else {
		stores = store.NewMemoryStores()
		slog.Warn("DATABASE_URL not set, using in-memory stores")
	}

	// 3. One-time startup orphan cleanup: tasks stranded mid-execution by the
	// previous process cannot be resumed (their worker addresses died with it).
	failed, err := stores.Tasks.FailOrphans(ctx, "process restarted during execution")
	if err != nil {
		slog.Error("Failed to fail orphaned tasks", "error", err)
		// Non-fatal — continue
	} else if failed > 0 {
		slog.Info("Failed orphaned tasks from previous run", "count", failed)
	}

	// 4. Event bus and actor system
	bus := events.NewBus(256, eventSinks...)
	system := actor.NewSystem(ctx)

	// 5. Agent tree, LLM client, capability registry
	treePath := getEnv("AGENT_TREE_FILE", filepath.Join(*configDir, "agents.yaml"))
	tree, err := agenttree.LoadYAML(treePath)
	if err != nil {
		slog.Error("Failed to load agent tree", "path", treePath, "error", err)
		os.Exit(1)
	}
	roots, _ := tree.GetRootAgents(ctx)
	slog.Info("Agent tree loaded", "path", treePath, "roots", roots)

	llmClient := llm.NewHTTPClient(cfg.LLM.Endpoint, cfg.LLM.Model, cfg.LLM.Timeout)

	registry, err := executor.NewDefaultRegistry(cfg.Executor)
	if err != nil {
		slog.Error("Failed to build capability registry", "error", err)
		os.Exit(1)
	}

	// 6. Spawn the long-lived actors: optimizer, loop scheduler, root agent.
	if _, err := optimizer.Spawn(system, scheduler.Address, stores.Optimizer, cfg.Optimization.FeedbackWindow); err != nil {
		slog.Error("Failed to spawn optimizer", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.Spawn(ctx, &scheduler.Deps{
		System:        system,
		Loops:         stores.Loops,
		Bus:           bus,
		Loop:          cfg.Loop,
		OptimizerAddr: optimizer.Address,
	}); err != nil {
		slog.Error("Failed to spawn loop scheduler", "error", err)
		os.Exit(1)
	}
	if _, err := agent.Spawn(&agent.Deps{
		System:        system,
		Tree:          tree,
		Stores:        stores,
		Planner:       planner.New(tree, llmClient),
		Resolver:      resolver.New(tree, llmClient),
		LLM:           llmClient,
		Registry:      registry,
		Bus:           bus,
		Retry:         cfg.Retry,
		Loop:          cfg.Loop,
		SchedulerAddr: scheduler.Address,
		OptimizerAddr: optimizer.Address,
	}); err != nil {
		slog.Error("Failed to spawn root agent", "error", err)
		os.Exit(1)
	}
	slog.Info("Actors spawned", "root", agent.Address, "scheduler", scheduler.Address)

	// 7. Queue listener
	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.Error("Invalid redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()

	listener := queue.NewListener(rdb, cfg.Queue, system, agent.Address, podID)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start queue listener", "error", err)
		os.Exit(1)
	}

	// 8. HTTP server (non-blocking)
	httpServer := api.NewServer(system, agent.Address, stores, traceSink)
	httpServer.SetRedis(rdb)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("TaskMesh started successfully", "pod_id", podID)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting work, then drain the actors and
	// flush the event bus.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	cancel() // stops the queue listener and the scheduler tick source

	if err := system.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Actor system shutdown incomplete", "error", err)
	}
	bus.Close(shutdownCtx)

	slog.Info("TaskMesh stopped")
}
