package queue

import (
	"context"
	"fmt"

	"github.com/replyops/ticketd/pkg/evidence"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/runner"
)

// ToolExecutor runs the tool steps of a leased TOOL ticket and returns
// the run report. Implementations persist their own evidence.
type ToolExecutor interface {
	Execute(ctx context.Context, ticket *models.Ticket) (*models.RunReport, error)
}

// RunnerExecutor executes tickets through the RunnerCore and writes the
// run-report artifact set per run.
type RunnerExecutor struct {
	Core     *runner.Core
	Gateway  runner.Gateway
	Evidence *evidence.Writer
}

// Execute implements ToolExecutor.
func (e *RunnerExecutor) Execute(ctx context.Context, ticket *models.Ticket) (*models.RunReport, error) {
	var steps []models.ToolStep
	if ticket.Metadata.ToolInput != nil {
		steps = ticket.Metadata.ToolInput.ToolSteps
	}

	report := e.Core.Run(ctx, ticket.ID, steps, e.Gateway)

	if e.Evidence != nil {
		if _, err := e.Evidence.WriteRun(report, nil, nil); err != nil {
			return report, fmt.Errorf("writing run evidence for %s: %w", ticket.ID, err)
		}
	}
	return report, nil
}

// verdictForRun maps a run terminal status onto the canonical verdict a
// worker fills: a clean run proceeds, failures defer for a later
// attempt, blocks stop the pipeline.
func verdictForRun(report *models.RunReport) models.Verdict {
	switch report.TerminalStatus {
	case models.StepOK:
		return models.VerdictProceed
	case models.StepFailed:
		return models.VerdictDefer
	default:
		return models.VerdictBlock
	}
}
