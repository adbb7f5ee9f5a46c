package evidence

import (
	"time"

	"github.com/google/uuid"

	"github.com/replyops/ticketd/pkg/models"
)

// RejectionCheckName is the manifest check stamped on guard-rejection
// evidence (unknown tool, readiness blocked).
const RejectionCheckName = "system_rejection_evidence_ok"

// RejectionInput describes a fill-time guard rejection to record.
type RejectionInput struct {
	Ticket *models.Ticket
	// Code is the stable rejection reason: unknown_tool or
	// readiness_blocked.
	Code string
	// ToolName is the offending server.tool, when known.
	ToolName string
	// Detail is the debug payload written to the details artifact.
	Detail map[string]any
	// DepSnapshot, when set, is written as dep_snapshot_v1.json.
	DepSnapshot any
}

// RecordRejection writes a complete evidence set for a guard rejection:
// a run report with a single failed step, the debug artifact the manifest
// check points at, and the manifest + self-hash. Returns the run id.
func (w *Writer) RecordRejection(in RejectionInput) (string, error) {
	runID := uuid.NewString()
	now := w.now().UTC()
	ts := now.Format(time.RFC3339Nano)

	stepCode := models.CodeUnknownTool
	detailsRef := ToolDebugFile
	if in.Code == models.CodeReadinessBlocked {
		stepCode = models.CodeMCPRequiredUnavailable
		detailsRef = ReadinessDebug
	}

	code := in.Code
	report := &models.RunReport{
		Version:            models.RunReportVersion,
		RunID:              runID,
		AsOf:               ts,
		TicketID:           in.Ticket.ID,
		RetryPolicyID:      models.RetryPolicyIDDefault,
		MaxAttempts:        1,
		TerminalStatus:     models.StepFailed,
		PrimaryFailureCode: &code,
		StartedAt:          ts,
		EndedAt:            ts,
		DurationMS:         0,
		StepReports: []models.StepReport{{
			StepIndex:     0,
			ToolName:      in.ToolName,
			SideEffect:    "unknown",
			Status:        models.StepFailed,
			Code:          stepCode,
			StartedAt:     ts,
			EndedAt:       ts,
			EvidenceItems: []models.EvidenceItem{},
		}},
		AttemptEvents: []models.AttemptEvent{
			{Type: models.AttemptRunStart, At: now},
			{Type: models.AttemptRunEnd, At: now, Status: string(models.StepFailed), Code: code},
		},
	}

	detail := in.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detail["ticket_id"] = in.Ticket.ID
	detail["reason_code"] = in.Code

	debug := map[string]any{detailsRef: detail}
	if in.DepSnapshot != nil {
		debug[DepSnapshotFile] = in.DepSnapshot
	}

	checks := []Check{{
		Name:        RejectionCheckName,
		OK:          true,
		ReasonCodes: []string{in.Code},
		DetailsRef:  detailsRef,
	}}

	if _, err := w.WriteRun(report, debug, checks); err != nil {
		return "", err
	}
	return runID, nil
}
