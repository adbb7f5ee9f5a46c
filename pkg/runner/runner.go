package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
)

// Budget bounds a single run. Step budgets may only carry the closed key
// set (max_steps, max_wall_ms); anything else is INVALID_BUDGET.
type Budget struct {
	MaxSteps  int
	MaxWallMS int64
}

// DefaultBudget is applied when a run carries no budget of its own.
var DefaultBudget = Budget{MaxSteps: 10, MaxWallMS: 60_000}

// blobishKeys are evidence-candidate fields that would smuggle payload
// bytes into the evidence stream. Candidates carrying any of them block
// the step.
var blobishKeys = []string{"bytes", "body", "content"}

// Core runs tool steps for one ticket at a time. Stateless across runs;
// safe for concurrent use.
type Core struct {
	registry           *config.ToolRegistry
	readiness          *readiness.Registry
	budget             Budget
	memoryWriteEnabled bool
	modeSnapshot       map[string]any
	now                func() time.Time
}

// Option configures a Core.
type Option func(*Core)

// WithBudget overrides the default run budget.
func WithBudget(b Budget) Option {
	return func(c *Core) { c.budget = b }
}

// WithMemoryWriteEnabled toggles memory-server write tools.
func WithMemoryWriteEnabled(enabled bool) Option {
	return func(c *Core) { c.memoryWriteEnabled = enabled }
}

// WithModeSnapshot attaches a mode snapshot to emitted reports.
func WithModeSnapshot(snap map[string]any) Option {
	return func(c *Core) { c.modeSnapshot = snap }
}

// withClock is a test hook.
func withClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// New creates a runner core over the tool registry and readiness
// registry.
func New(reg *config.ToolRegistry, ready *readiness.Registry, opts ...Option) *Core {
	c := &Core{
		registry:           reg,
		readiness:          ready,
		budget:             DefaultBudget,
		memoryWriteEnabled: true,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the steps through the gateway and returns the RunReport.
// Terminal status is the worst step status (ok < failed < blocked,
// first-seen wins ties); terminal code is the first step code that
// contributed to the terminal status. v1 never retries.
func (c *Core) Run(ctx context.Context, ticketID string, steps []models.ToolStep, gw Gateway) *models.RunReport {
	runID := uuid.NewString()
	started := c.now()

	report := &models.RunReport{
		Version:        models.RunReportVersion,
		RunID:          runID,
		AsOf:           started.UTC().Format(time.RFC3339Nano),
		TicketID:       ticketID,
		RetryPolicyID:  models.RetryPolicyIDDefault,
		MaxAttempts:    1,
		TerminalStatus: models.StepOK,
		StartedAt:      started.UTC().Format(time.RFC3339Nano),
		StepReports:    make([]models.StepReport, 0, len(steps)),
		AttemptEvents:  []models.AttemptEvent{},
		ModeSnapshot:   c.modeSnapshot,
	}

	report.AttemptEvents = append(report.AttemptEvents, models.AttemptEvent{
		Type: models.AttemptRunStart, At: started,
	})

	budget := c.runBudget(steps)
	timedOut := false

	for i, step := range steps {
		stepStarted := c.now()
		report.AttemptEvents = append(report.AttemptEvents, models.AttemptEvent{
			Type: models.AttemptStepStart, At: stepStarted, StepIndex: i,
		})

		sr := models.StepReport{
			StepIndex:     i,
			ToolName:      fmt.Sprintf("%s.%s", step.Server, step.Tool),
			SideEffect:    c.registry.SideEffect(step.Server),
			Status:        models.StepOK,
			StartedAt:     stepStarted.UTC().Format(time.RFC3339Nano),
			EvidenceItems: []models.EvidenceItem{},
		}

		if timedOut || c.wallExceeded(started, budget) {
			// First overrun fails this and every remaining step.
			timedOut = true
			sr.Status = models.StepFailed
			sr.Code = models.CodeRunTimeout
		} else {
			c.runStep(ctx, i, step, budget, gw, &sr)
		}

		stepEnded := c.now()
		sr.EndedAt = stepEnded.UTC().Format(time.RFC3339Nano)
		sr.DurationMS = stepEnded.Sub(stepStarted).Milliseconds()
		report.StepReports = append(report.StepReports, sr)

		report.AttemptEvents = append(report.AttemptEvents, models.AttemptEvent{
			Type: models.AttemptStepEnd, At: stepEnded, StepIndex: i,
			Status: string(sr.Status), Code: sr.Code,
		})

		if sr.Status.WorseThan(report.TerminalStatus) {
			report.TerminalStatus = sr.Status
			code := sr.Code
			report.PrimaryFailureCode = &code
		}
	}

	ended := c.now()
	report.EndedAt = ended.UTC().Format(time.RFC3339Nano)
	report.DurationMS = ended.Sub(started).Milliseconds()
	report.AttemptEvents = append(report.AttemptEvents, models.AttemptEvent{
		Type: models.AttemptRunEnd, At: ended,
		Status: string(report.TerminalStatus), Code: derefCode(report.PrimaryFailureCode),
	})

	slog.Info("Tool run complete",
		"run_id", runID,
		"ticket_id", ticketID,
		"terminal_status", report.TerminalStatus,
		"steps", len(report.StepReports))

	return report
}

// runStep applies the per-step checks in order: shape validation, the
// dependency gate, then the step budget. A step past the budget still
// reports its own defect when it is malformed.
func (c *Core) runStep(ctx context.Context, index int, step models.ToolStep, budget Budget, gw Gateway, sr *models.StepReport) {
	if code := c.validateStep(step); code != "" {
		sr.Status = models.StepBlocked
		sr.Code = code
		return
	}

	// Dependency gate. Unknown servers resolve to the conservative union
	// of all required deps.
	if err := c.readiness.RequireDeps(c.registry.DepsForTool(step.Server)); err != nil {
		sr.Status = models.StepBlocked
		sr.Code = models.CodeMCPRequiredUnavailable
		return
	}

	if index >= budget.MaxSteps {
		sr.Status = models.StepBlocked
		sr.Code = models.CodeBudgetExceeded
		return
	}

	c.executeStep(ctx, step, gw, sr)
}

// executeStep runs a validated step through the gateway, filling sr in
// place.
func (c *Core) executeStep(ctx context.Context, step models.ToolStep, gw Gateway, sr *models.StepReport) {
	res := gw.Execute(ctx, GatewayRequest{Server: step.Server, Tool: step.Tool, Args: step.Args})
	if !res.OK {
		sr.Status = models.StepFailed
		sr.Code = mapGatewayCode(res.Error)
		if res.Error != nil {
			sr.ResultSummary = res.Error.Message
		}
		return
	}

	items, ok := validateEvidenceCandidates(res.EvidenceCandidates)
	if !ok {
		// Invalid candidates block the step; nothing is attached.
		sr.Status = models.StepBlocked
		sr.Code = models.CodeInvalidEvidenceCandidate
		return
	}

	sr.EvidenceItems = items
	sr.ResultSummary = summarize(res.Result)
}

// validateStep checks the step shape against the registry allowlists.
// Returns "" when valid, or the stable blocking code.
func (c *Core) validateStep(step models.ToolStep) string {
	if step.Server == "" || step.Tool == "" {
		return models.CodeInvalidToolStep
	}
	allowed, known := c.registry.ArgsAllowlist(step.Server, step.Tool)
	if !known {
		return models.CodeUnknownTool
	}
	for key, value := range step.Args {
		if !allowed[key] {
			return models.CodeInvalidToolArgs
		}
		if !isScalar(value) {
			return models.CodeInvalidToolArgs
		}
	}
	for key := range step.Budget {
		if !config.BudgetKeys[key] {
			return models.CodeInvalidBudget
		}
	}
	if !c.memoryWriteEnabled && step.Server == "memory" && c.registry.IsWriteTool(step.Server, step.Tool) {
		return models.CodeInvalidToolStep
	}
	return ""
}

// runBudget derives the effective budget: defaults, tightened by a valid
// budget block on the first step.
func (c *Core) runBudget(steps []models.ToolStep) Budget {
	b := c.budget
	if len(steps) == 0 {
		return b
	}
	for key, value := range steps[0].Budget {
		if !config.BudgetKeys[key] {
			// Invalid budgets surface per-step as INVALID_BUDGET; keep
			// the defaults here.
			return c.budget
		}
		if n, ok := asInt64(value); ok {
			switch key {
			case "max_steps":
				b.MaxSteps = int(n)
			case "max_wall_ms":
				b.MaxWallMS = n
			}
		}
	}
	return b
}

func (c *Core) wallExceeded(started time.Time, b Budget) bool {
	return c.now().Sub(started).Milliseconds() > b.MaxWallMS
}

// mapGatewayCode is the single site mapping upstream error strings onto
// the stable taxonomy.
func mapGatewayCode(err *GatewayError) string {
	if err == nil {
		return models.CodeToolExecFailed
	}
	switch err.Code {
	case GatewayErrTimeout:
		return models.CodeToolTimeout
	case GatewayErrUnavailable:
		return models.CodeToolUnavailable
	default:
		return models.CodeToolExecFailed
	}
}

// validateEvidenceCandidates converts gateway candidates into evidence
// items. A candidate carrying blob-ish fields invalidates the whole
// batch.
func validateEvidenceCandidates(candidates []map[string]any) ([]models.EvidenceItem, bool) {
	items := make([]models.EvidenceItem, 0, len(candidates))
	for _, cand := range candidates {
		for _, blob := range blobishKeys {
			if _, ok := cand[blob]; ok {
				return nil, false
			}
		}
		item := models.EvidenceItem{Labels: map[string]any{}}
		for key, value := range cand {
			switch key {
			case "kind":
				if s, ok := value.(string); ok {
					item.Kind = s
				}
			case "ref":
				if s, ok := value.(string); ok {
					item.Ref = s
				}
			default:
				item.Labels[key] = value
			}
		}
		items = append(items, item)
	}
	return items, true
}

func summarize(result map[string]any) string {
	if s, ok := result["summary"].(string); ok && s != "" {
		if len(s) > 120 {
			return s[:120]
		}
		return s
	}
	return fmt.Sprintf("%d result keys", len(result))
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int32, int64,
		float32, float64,
		nil:
		return true
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func derefCode(code *string) string {
	if code == nil {
		return ""
	}
	return *code
}
