// Package config loads the orchestrator configuration: a typed Config
// built once from the environment, and the tool registry loaded from
// tools.yaml merged over built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// SchemaGateMode controls how boundary validation failures are treated.
type SchemaGateMode string

// Schema gate modes.
const (
	SchemaGateOff    SchemaGateMode = "off"
	SchemaGateWarn   SchemaGateMode = "warn"
	SchemaGateStrict SchemaGateMode = "strict"
)

// LeaseStrategy selects which kind is offered to the next kindless lease
// call. Strategies apply across calls, never within one batch.
type LeaseStrategy string

// Lease strategies.
const (
	StrategyTriageFirst LeaseStrategy = "triage_first"
	StrategyReplyFirst  LeaseStrategy = "reply_first"
	StrategyRoundRobin  LeaseStrategy = "round_robin"
	StrategyWeighted    LeaseStrategy = "weighted"
)

// Config is the process-wide configuration, built once at startup.
// Components receive only the fields they use.
type Config struct {
	// CutoverUntilMS is the epoch-ms cutoff before which pre_cutover mode
	// applies. Sourced from CUTOVER_UNTIL_MS, falling back to the
	// deprecated DUALWRITE_UNTIL_MS alias.
	CutoverUntilMS        int64
	LegacyReadsPreCutover bool

	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool

	SchemaGateMode               SchemaGateMode
	EnableTicketSchemaValidation bool

	StrictMCPInit      bool
	NoMCP              bool
	MemoryWriteEnabled bool
	// MCPGatewayURL is the tool bridge the runner calls when NO_MCP is
	// off.
	MCPGatewayURL     string
	MCPGatewayTimeout time.Duration

	AllowRunIDOverwrite bool
	LogsDir             string
	TicketLogPath       string

	Port string

	WorkerCount          int
	WorkerPollInterval   time.Duration
	LeaseReclaimInterval time.Duration
	LeaseStrategy        LeaseStrategy
	// LeaseWeights drives the weighted strategy, keyed by ticket kind.
	// Sourced from LEASE_WEIGHTS as "TRIAGE=3,TOOL=2,REPLY=1".
	LeaseWeights map[string]int

	ProbeForceFail            string
	EvidenceMaxItemsPerReport int

	// EvidenceRetention is how long evidence run directories are kept.
	EvidenceRetention time.Duration
	CleanupInterval   time.Duration
}

// FromEnv builds the Config from the process environment. Boolean values
// are the strings "true"/"false".
func FromEnv() (*Config, error) {
	cfg := &Config{
		LegacyReadsPreCutover:        envBool("LEGACY_READS_PRE_CUTOVER", true),
		EnableToolDerivation:         envBool("ENABLE_TOOL_DERIVATION", false),
		EnableReplyDerivation:        envBool("ENABLE_REPLY_DERIVATION", false),
		ToolOnlyMode:                 envBool("TOOL_ONLY_MODE", false),
		SchemaGateMode:               SchemaGateMode(envString("SCHEMA_GATE_MODE", string(SchemaGateWarn))),
		EnableTicketSchemaValidation: envBool("ENABLE_TICKET_SCHEMA_VALIDATION", true),
		StrictMCPInit:                envBool("STRICT_MCP_INIT", false),
		NoMCP:                        envBool("NO_MCP", false),
		MemoryWriteEnabled:           envBool("MEMORY_WRITE_ENABLED", true),
		MCPGatewayURL:                envString("MCP_GATEWAY_URL", "http://localhost:8091"),
		MCPGatewayTimeout:            envDurationMS("MCP_GATEWAY_TIMEOUT_MS", 30*time.Second),
		AllowRunIDOverwrite:          envBool("ALLOW_RUN_ID_OVERWRITE", false),
		LogsDir:                      envString("LOGS_DIR", "./logs"),
		Port:                         envString("ORCHESTRATOR_PORT", "8090"),
		WorkerCount:                  envInt("WORKER_COUNT", 0),
		WorkerPollInterval:           envDurationMS("WORKER_POLL_INTERVAL_MS", time.Second),
		LeaseReclaimInterval:         envDurationMS("LEASE_RECLAIM_INTERVAL_MS", 5*time.Second),
		LeaseStrategy:                LeaseStrategy(envString("LEASE_STRATEGY", string(StrategyTriageFirst))),
		ProbeForceFail:               os.Getenv("PROBE_FORCE_FAIL"),
		EvidenceMaxItemsPerReport:    envInt("EVIDENCE_MAX_ITEMS_PER_REPORT", 20),
		EvidenceRetention:            time.Duration(envInt("EVIDENCE_RETENTION_DAYS", 30)) * 24 * time.Hour,
		CleanupInterval:              envDurationMS("CLEANUP_INTERVAL_MS", time.Hour),
	}

	cutoff, err := resolveCutoverUntil()
	if err != nil {
		return nil, err
	}
	cfg.CutoverUntilMS = cutoff

	switch cfg.SchemaGateMode {
	case SchemaGateOff, SchemaGateWarn, SchemaGateStrict:
	default:
		return nil, fmt.Errorf("invalid SCHEMA_GATE_MODE %q", cfg.SchemaGateMode)
	}

	switch cfg.LeaseStrategy {
	case StrategyTriageFirst, StrategyReplyFirst, StrategyRoundRobin, StrategyWeighted:
	default:
		return nil, fmt.Errorf("invalid LEASE_STRATEGY %q", cfg.LeaseStrategy)
	}

	weights, err := parseLeaseWeights(os.Getenv("LEASE_WEIGHTS"))
	if err != nil {
		return nil, err
	}
	cfg.LeaseWeights = weights

	if cfg.TicketLogPath = os.Getenv("TICKET_LOG_PATH"); cfg.TicketLogPath == "" {
		cfg.TicketLogPath = cfg.LogsDir + "/tickets.jsonl"
	}

	return cfg, nil
}

// resolveCutoverUntil reads CUTOVER_UNTIL_MS with the deprecated
// DUALWRITE_UNTIL_MS alias. The canonical key wins when both are set and
// non-empty; the alias alone is honored with a deprecation warning.
func resolveCutoverUntil() (int64, error) {
	if v := os.Getenv("CUTOVER_UNTIL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid CUTOVER_UNTIL_MS %q: %w", v, err)
		}
		return ms, nil
	}
	if v := os.Getenv("DUALWRITE_UNTIL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid DUALWRITE_UNTIL_MS %q: %w", v, err)
		}
		slog.Warn("DUALWRITE_UNTIL_MS is deprecated, use CUTOVER_UNTIL_MS", "value", ms)
		return ms, nil
	}
	return 0, nil
}

// parseLeaseWeights parses "KIND=weight" pairs separated by commas.
// Weights must be positive integers.
func parseLeaseWeights(raw string) (map[string]int, error) {
	if raw == "" {
		return nil, nil
	}
	weights := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kind, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid LEASE_WEIGHTS entry %q", pair)
		}
		w, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid LEASE_WEIGHTS weight %q", pair)
		}
		weights[strings.TrimSpace(kind)] = w
	}
	return weights, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true":
		return true
	case "false":
		return false
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer env value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		slog.Warn("Invalid duration env value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
