// Package models defines the ticket domain types shared across the
// orchestrator: tickets, events, run reports, and the stable error codes.
package models

import (
	"time"
)

// Kind is the role of a ticket in the pipeline.
type Kind string

// Ticket kinds.
const (
	KindTriage Kind = "TRIAGE"
	KindTool   Kind = "TOOL"
	KindReply  Kind = "REPLY"
)

// Status is the canonical ticket status.
type Status string

// Canonical statuses. pending → running → {done, failed, blocked};
// the three right-hand statuses are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// legacyStatus maps pre-migration status values to their canonical
// projection. Readers accept these; writers always persist canonical.
var legacyStatus = map[Status]Status{
	"completed":   StatusDone,
	"approved":    StatusDone,
	"leased":      StatusRunning,
	"in_progress": StatusRunning,
	"drafted":     StatusPending,
}

// CanonicalStatus projects a possibly-legacy status value onto the
// canonical set. Unknown values are returned unchanged.
func CanonicalStatus(s Status) Status {
	if c, ok := legacyStatus[s]; ok {
		return c
	}
	return s
}

// IsTerminal reports whether s is a terminal status. Terminal tickets are
// immutable.
func (s Status) IsTerminal() bool {
	switch CanonicalStatus(s) {
	case StatusDone, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Verdict is the canonical tool verdict written by the TicketStore on
// TOOL ticket finalization.
type Verdict string

// Tool verdicts.
const (
	VerdictProceed Verdict = "PROCEED"
	VerdictDefer   Verdict = "DEFER"
	VerdictBlock   Verdict = "BLOCK"
	VerdictSkip    Verdict = "SKIP"
	VerdictUnknown Verdict = "UNKNOWN"
)

// ParseVerdict normalizes a raw verdict string. Anything outside the
// closed set maps to UNKNOWN.
func ParseVerdict(s string) Verdict {
	switch Verdict(s) {
	case VerdictProceed, VerdictDefer, VerdictBlock, VerdictSkip:
		return Verdict(s)
	}
	return VerdictUnknown
}

// Flow identifiers. ReplyFlow is an opaque flow id, not a language
// dimension.
const (
	FlowTriage = "triage_v1"
	FlowTool   = "tool_execution_v1"
	FlowReply  = "reply_zh_hant_v1"
)

// Decision values produced by TRIAGE fills.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// ToolStep is a single validated tool invocation inside a TOOL ticket.
// Source of truth is metadata.tool_input.tool_steps.
type ToolStep struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Budget map[string]any `json:"budget,omitempty"`
}

// ToolInput carries the tool execution plan for a TOOL ticket.
type ToolInput struct {
	ToolSteps []ToolStep `json:"tool_steps"`
}

// ReplyInput carries the inputs a REPLY worker needs to draft a reply.
type ReplyInput struct {
	Strategy     string `json:"strategy,omitempty"`
	ContextNotes string `json:"context_notes"`
}

// Derived holds back-references to child tickets. The canonical location
// is the ticket root; the metadata mirror is legacy and read-only.
type Derived struct {
	ToolTicketID  string `json:"tool_ticket_id,omitempty"`
	ReplyTicketID string `json:"reply_ticket_id,omitempty"`
}

// Metadata is the structured metadata bag of a ticket.
type Metadata struct {
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Kind              Kind           `json:"kind"`
	CandidateID       string         `json:"candidate_id,omitempty"`
	ParentTicketID    string         `json:"parent_ticket_id,omitempty"`
	TriageReferenceID string         `json:"triage_reference_id,omitempty"`
	PromptID          string         `json:"prompt_id,omitempty"`
	ToolInput         *ToolInput     `json:"tool_input,omitempty"`
	ReplyInput        *ReplyInput    `json:"reply_input,omitempty"`
	FinalOutputs      map[string]any `json:"final_outputs,omitempty"`
	Attempts          int            `json:"attempts,omitempty"`

	LeaseOwner   string     `json:"lease_owner,omitempty"`
	LeaseToken   string     `json:"lease_token,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires,omitempty"`

	// Derived is the legacy mirror of the root-level derived block.
	// Writes here are forbidden in all cutover modes.
	Derived *Derived `json:"derived,omitempty"`
}

// Outputs holds the canonical projected outputs of a ticket.
// outputs.tool_verdict is written exclusively by the TicketStore.
type Outputs struct {
	Decision       string  `json:"decision,omitempty"`
	ToolVerdict    Verdict `json:"tool_verdict,omitempty"`
	ReplyText      string  `json:"reply_text,omitempty"`
	ReplyStrategy  string  `json:"reply_strategy,omitempty"`
	TargetPromptID string  `json:"target_prompt_id,omitempty"`
	ErrorCode      string  `json:"error_code,omitempty"`
	EvidenceRunID  string  `json:"evidence_run_id,omitempty"`
}

// AttemptEvent is one entry in a ticket's per-ticket trace.
type AttemptEvent struct {
	Type      string    `json:"type"`
	At        time.Time `json:"at"`
	StepIndex int       `json:"step_index,omitempty"`
	Status    string    `json:"status,omitempty"`
	Code      string    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Attempt event types.
const (
	AttemptRunStart     = "RUN_START"
	AttemptRunEnd       = "RUN_END"
	AttemptStepStart    = "STEP_START"
	AttemptStepEnd      = "STEP_END"
	AttemptLeaseExpired = "LEASE_EXPIRED"
)

// Ticket is an individual unit of work moving through the
// TRIAGE → TOOL → REPLY pipeline.
type Ticket struct {
	ID string `json:"id"`
	// TicketID is the legacy mirror of ID; both hold the same UUID.
	TicketID string `json:"ticket_id"`
	// Type is a template marker carried by REPLY tickets ("DraftTicket").
	Type     string         `json:"type,omitempty"`
	Kind     Kind           `json:"kind"`
	Status   Status         `json:"status"`
	FlowID   string         `json:"flow_id"`
	Event    *Event         `json:"event,omitempty"`
	Metadata Metadata       `json:"metadata"`
	Derived  Derived        `json:"derived"`
	Outputs  Outputs        `json:"outputs"`
	Trace    []AttemptEvent `json:"trace,omitempty"`
}

// Clone returns a deep copy of the ticket. Callers outside the store
// receive copies only; the index-held record is never aliased out.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Event != nil {
		ev := *t.Event
		if t.Event.Features != nil {
			ev.Features = cloneMap(t.Event.Features)
		}
		cp.Event = &ev
	}
	if t.Metadata.ToolInput != nil {
		ti := ToolInput{ToolSteps: make([]ToolStep, len(t.Metadata.ToolInput.ToolSteps))}
		for i, s := range t.Metadata.ToolInput.ToolSteps {
			sc := s
			sc.Args = cloneMap(s.Args)
			sc.Budget = cloneMap(s.Budget)
			ti.ToolSteps[i] = sc
		}
		cp.Metadata.ToolInput = &ti
	}
	if t.Metadata.ReplyInput != nil {
		ri := *t.Metadata.ReplyInput
		cp.Metadata.ReplyInput = &ri
	}
	if t.Metadata.FinalOutputs != nil {
		cp.Metadata.FinalOutputs = cloneMap(t.Metadata.FinalOutputs)
	}
	if t.Metadata.LeaseExpires != nil {
		le := *t.Metadata.LeaseExpires
		cp.Metadata.LeaseExpires = &le
	}
	if t.Metadata.Derived != nil {
		d := *t.Metadata.Derived
		cp.Metadata.Derived = &d
	}
	if t.Trace != nil {
		cp.Trace = append([]AttemptEvent(nil), t.Trace...)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = cloneMap(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}
