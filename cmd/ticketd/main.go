// ticketd orchestrator server — ingests social-media events, manages the
// TRIAGE/TOOL/REPLY ticket pipeline, runs queue workers, and serves the
// HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/replyops/ticketd/pkg/api"
	"github.com/replyops/ticketd/pkg/cleanup"
	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/cutover"
	"github.com/replyops/ticketd/pkg/derive"
	"github.com/replyops/ticketd/pkg/evidence"
	"github.com/replyops/ticketd/pkg/probe"
	"github.com/replyops/ticketd/pkg/queue"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/runner"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
	"github.com/replyops/ticketd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// probeDeps maps startup probes onto the dependency keys they exercise.
var probeDeps = map[string]string{
	probe.ProbeAccess: "filesystem",
	probe.ProbeSearch: "web_search",
	probe.ProbeMemory: "memory",
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting ticketd",
		"version", version.Full(),
		"port", cfg.Port,
		"no_mcp", cfg.NoMCP,
		"schema_gate_mode", cfg.SchemaGateMode,
		"workers", cfg.WorkerCount)

	registry, err := config.LoadToolRegistry(filepath.Join(*configDir, "tools.yaml"))
	if err != nil {
		slog.Error("Failed to load tool registry", "error", err)
		os.Exit(1)
	}

	// 1. Readiness and the tool gateway. NO_MCP runs degraded: every
	// dependency is disabled and the gateway refuses all calls.
	ready := readiness.NewRegistry(registry.AllRequiredDeps()...)
	var gateway runner.Gateway
	var provider probe.Provider
	if cfg.NoMCP {
		gateway = runner.NoMcpGateway{}
		provider = probe.NoMcpProvider{}
		for _, dep := range registry.AllRequiredDeps() {
			ready.MarkUnavailable(dep, readiness.CodeDisabled, "NO_MCP")
		}
	} else {
		httpGateway := runner.NewHTTPGateway(cfg.MCPGatewayURL, cfg.MCPGatewayTimeout)
		gateway = httpGateway
		provider = &probe.GatewayProvider{Gateway: httpGateway}
		// Deps start ready; failed startup probes downgrade them below.
		for _, dep := range registry.AllRequiredDeps() {
			ready.MarkReady(dep)
		}
		slog.Info("Tool gateway configured", "url", cfg.MCPGatewayURL)
	}

	// 2. Startup probes. A hard failure aborts; graceful degradation
	// (NO_MCP, unimplemented probes) continues.
	probeCtx, cancelProbes := context.WithTimeout(context.Background(), time.Minute)
	report := probe.NewRunner(provider, cfg.ProbeForceFail, cfg.EvidenceMaxItemsPerReport).Run(probeCtx)
	cancelProbes()
	for _, res := range report.Results {
		if dep, ok := probeDeps[res.Name]; ok && !cfg.NoMCP {
			if !res.Pass || res.Graceful {
				ready.MarkUnavailable(dep, readiness.CodeInitFailed, res.Code)
			}
		}
	}
	if report.ExitCode != 0 {
		slog.Error("Startup probes failed", "exit_code", report.ExitCode)
		os.Exit(1)
	}

	// 3. Strict init: refuse to start while required deps are down.
	if cfg.StrictMCPInit {
		if err := ready.StrictInitCheck(registry.AllRequiredDeps()); err != nil {
			fmt.Println(ready.SnapshotLine())
			slog.Error("Strict MCP init failed", "error", err)
			os.Exit(1)
		}
	}

	// 4. Boundary validation, cutover policy, evidence.
	gate, err := schemagate.New(cfg.SchemaGateMode, cfg.EnableTicketSchemaValidation)
	if err != nil {
		slog.Error("Failed to build schema gate", "error", err)
		os.Exit(1)
	}
	policy := cutover.NewPolicy(cfg.CutoverUntilMS, cfg.LegacyReadsPreCutover)
	cutMetrics := cutover.NewMetrics()
	evWriter := evidence.NewWriter(cfg.LogsDir, cfg.AllowRunIDOverwrite)

	// 5. Ticket store. The fill readiness gate only applies when a real
	// provider is expected; NO_MCP lets external workers drain TOOL
	// tickets while degraded.
	storeOpts := []store.Option{
		store.WithGate(gate),
		store.WithToolRegistry(registry),
		store.WithRejectionRecorder(evWriter),
		store.WithLeaseStrategy(cfg.LeaseStrategy, cfg.LeaseWeights),
	}
	if !cfg.NoMCP {
		storeOpts = append(storeOpts, store.WithReadiness(ready))
	}
	st, err := store.Open(cfg.TicketLogPath, storeOpts...)
	if err != nil {
		slog.Error("Failed to open ticket store", "path", cfg.TicketLogPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing ticket store", "error", err)
		}
	}()
	st.RecoverRunning()

	// 6. Derivation engine, wired back into the store's fill path.
	engine := derive.New(st, gate, policy, cutMetrics, derive.Config{
		EnableToolDerivation:  cfg.EnableToolDerivation,
		EnableReplyDerivation: cfg.EnableReplyDerivation,
		ToolOnlyMode:          cfg.ToolOnlyMode,
	})
	st.SetDeriver(engine)

	// 7. In-process worker pool for TOOL tickets.
	core := runner.New(registry, ready,
		runner.WithMemoryWriteEnabled(cfg.MemoryWriteEnabled),
		runner.WithModeSnapshot(map[string]any{
			"no_mcp":               cfg.NoMCP,
			"memory_write_enabled": cfg.MemoryWriteEnabled,
			"tool_only_mode":       cfg.ToolOnlyMode,
		}))
	executor := &queue.RunnerExecutor{Core: core, Gateway: gateway, Evidence: evWriter}
	pool := queue.NewWorkerPool(st, executor, queue.Config{
		WorkerCount:     cfg.WorkerCount,
		PollInterval:    cfg.WorkerPollInterval,
		ReclaimInterval: cfg.LeaseReclaimInterval,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	// 7a. Evidence retention sweeper.
	retention := cleanup.NewService(cleanup.Config{
		BaseDir:  cfg.LogsDir,
		MaxAge:   cfg.EvidenceRetention,
		Interval: cfg.CleanupInterval,
	})
	retention.Start(context.Background())
	defer retention.Stop()

	// 8. HTTP server.
	server := api.NewServer(":"+cfg.Port, api.Deps{
		Store:            st,
		Readiness:        ready,
		Registry:         registry,
		Cutover:          policy,
		CutoverMetrics:   cutMetrics,
		SchemaGate:       gate,
		Gateway:          gateway,
		Pool:             pool,
		GateToolSurfaces: !cfg.NoMCP,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	slog.Info("ticketd started", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
}
