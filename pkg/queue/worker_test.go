package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/runner"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

type scriptedExecutor struct {
	report   *models.RunReport
	err      error
	executed atomic.Int32
}

func (e *scriptedExecutor) Execute(_ context.Context, ticket *models.Ticket) (*models.RunReport, error) {
	e.executed.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	report := *e.report
	report.TicketID = ticket.ID
	return &report, nil
}

func okReport() *models.RunReport {
	return &models.RunReport{
		Version:        models.RunReportVersion,
		RunID:          "run-ok",
		RetryPolicyID:  models.RetryPolicyIDDefault,
		MaxAttempts:    1,
		TerminalStatus: models.StepOK,
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("", store.WithToolRegistry(config.DefaultToolRegistry()))
	require.NoError(t, err)
	return s
}

func pendingTool(t *testing.T, s *store.Store) *models.Ticket {
	t.Helper()
	created, err := s.Create(&models.Ticket{
		Kind:   models.KindTool,
		FlowID: models.FlowTool,
		Metadata: models.Metadata{
			Kind: models.KindTool,
			ToolInput: &models.ToolInput{ToolSteps: []models.ToolStep{
				{Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "q"}},
			}},
		},
	}, schemagate.Internal)
	require.NoError(t, err)
	return created
}

func TestWorkerProcessesToolTicket(t *testing.T) {
	s := newStore(t)
	ticket := pendingTool(t, s)

	executor := &scriptedExecutor{report: okReport()}
	w := NewWorker("worker-test", s, executor, 10*time.Millisecond, 60)
	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(ticket.ID)
		return err == nil && got.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, models.VerdictProceed, got.Outputs.ToolVerdict)
	assert.Equal(t, "run-ok", got.Outputs.EvidenceRunID)
}

func TestWorkerRecordsRunEventsOnTrace(t *testing.T) {
	s := newStore(t)
	ticket := pendingTool(t, s)

	report := okReport()
	at := time.Now()
	report.AttemptEvents = []models.AttemptEvent{
		{Type: models.AttemptRunStart, At: at},
		{Type: models.AttemptStepStart, At: at, StepIndex: 0},
		{Type: models.AttemptStepEnd, At: at, StepIndex: 0, Status: string(models.StepOK)},
		{Type: models.AttemptRunEnd, At: at, Status: string(models.StepOK)},
	}

	w := NewWorker("worker-test", s, &scriptedExecutor{report: report}, 10*time.Millisecond, 60)
	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(ticket.ID)
		return err == nil && got.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.Get(ticket.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(got.Trace))
	for _, ev := range got.Trace {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		models.AttemptRunStart,
		models.AttemptStepStart,
		models.AttemptStepEnd,
		models.AttemptRunEnd,
	}, types)
}

func TestWorkerNacksOnExecutorFailure(t *testing.T) {
	s := newStore(t)
	ticket := pendingTool(t, s)

	executor := &scriptedExecutor{err: errors.New("gateway exploded")}
	w := NewWorker("worker-test", s, executor, 10*time.Millisecond, 60)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		return executor.executed.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	got, err := s.Get(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.GreaterOrEqual(t, got.Metadata.Attempts, 1)
}

func TestVerdictForRunMapping(t *testing.T) {
	assert.Equal(t, models.VerdictProceed, verdictForRun(&models.RunReport{TerminalStatus: models.StepOK}))
	assert.Equal(t, models.VerdictDefer, verdictForRun(&models.RunReport{TerminalStatus: models.StepFailed}))
	assert.Equal(t, models.VerdictBlock, verdictForRun(&models.RunReport{TerminalStatus: models.StepBlocked}))
}

func TestRunnerExecutorEndToEnd(t *testing.T) {
	s := newStore(t)
	ticket := pendingTool(t, s)

	ready := readiness.NewRegistry("memory", "web_search", "filesystem", "notebooklm")
	ready.MarkReady("memory")
	core := runner.New(config.DefaultToolRegistry(), ready)

	executor := &RunnerExecutor{Core: core, Gateway: fakeOKGateway{}}
	report, err := executor.Execute(context.Background(), ticket)
	require.NoError(t, err)

	assert.Equal(t, models.StepOK, report.TerminalStatus)
	assert.Equal(t, ticket.ID, report.TicketID)
	require.Len(t, report.StepReports, 1)
}

type fakeOKGateway struct{}

func (fakeOKGateway) Execute(_ context.Context, _ runner.GatewayRequest) runner.GatewayResult {
	return runner.GatewayResult{OK: true, Result: map[string]any{"summary": "ok"}}
}
