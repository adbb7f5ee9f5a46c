package models

// RunReport is the versioned artifact describing a single tool-execution
// run. It is emitted to the evidence directory, never stored on tickets.
type RunReport struct {
	Version            string         `json:"version"`
	RunID              string         `json:"run_id"`
	AsOf               string         `json:"as_of"`
	TicketID           string         `json:"ticket_id"`
	RetryPolicyID      string         `json:"retry_policy_id"`
	MaxAttempts        int            `json:"max_attempts"`
	TerminalStatus     StepStatus     `json:"terminal_status"`
	PrimaryFailureCode *string        `json:"primary_failure_code"`
	StartedAt          string         `json:"started_at"`
	EndedAt            string         `json:"ended_at"`
	DurationMS         int64          `json:"duration_ms"`
	StepReports        []StepReport   `json:"step_reports"`
	AttemptEvents      []AttemptEvent `json:"attempt_events"`
	ModeSnapshot       map[string]any `json:"mode_snapshot,omitempty"`
}

// RunReportVersion is the only run-report version emitted today.
const RunReportVersion = "v1"

// StepStatus is the per-step outcome. Aggregation order: ok < failed <
// blocked (blocked is worst).
type StepStatus string

// Step statuses.
const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepBlocked StepStatus = "blocked"
)

// severity returns the aggregation rank of a step status.
func (s StepStatus) severity() int {
	switch s {
	case StepBlocked:
		return 2
	case StepFailed:
		return 1
	default:
		return 0
	}
}

// WorseThan reports whether s ranks strictly worse than other.
func (s StepStatus) WorseThan(other StepStatus) bool {
	return s.severity() > other.severity()
}

// StepReport describes one executed (or gated) tool step.
type StepReport struct {
	StepIndex     int            `json:"step_index"`
	ToolName      string         `json:"tool_name"`
	SideEffect    string         `json:"side_effect"`
	Status        StepStatus     `json:"status"`
	Code          string         `json:"code,omitempty"`
	StartedAt     string         `json:"started_at"`
	EndedAt       string         `json:"ended_at"`
	DurationMS    int64          `json:"duration_ms"`
	ResultSummary string         `json:"result_summary,omitempty"`
	EvidenceItems []EvidenceItem `json:"evidence_items"`
}

// EvidenceItem is a validated evidence candidate attached to a step.
// Blob-ish payloads (bytes, body, content) are rejected at validation.
type EvidenceItem struct {
	Kind   string         `json:"kind"`
	Ref    string         `json:"ref,omitempty"`
	Labels map[string]any `json:"labels,omitempty"`
}
