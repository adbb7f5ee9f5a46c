// Package derive creates successor tickets after a fill: TRIAGE → TOOL,
// TOOL → REPLY, and the legacy direct TRIAGE → REPLY path. Every
// derivation is idempotent through the canonical root derived block and
// validated by the internal schema gate before the child is created.
package derive

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/replyops/ticketd/pkg/cutover"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

// Reason explains why a derivation was skipped or how it resolved.
type Reason string

// Skip and resolution reasons. None of the skip reasons mutate the
// parent ticket.
const (
	ReasonCreated           Reason = "created"
	ReasonRecovered         Reason = "recovered"
	ReasonAlreadyDerived    Reason = "already_derived"
	ReasonDisabled          Reason = "disabled"
	ReasonWrongKind         Reason = "wrong_kind"
	ReasonNotApproved       Reason = "decision_not_approve"
	ReasonToolOnlyMode      Reason = "tool_only_mode"
	ReasonMissingVerdict    Reason = "missing_tool_verdict"
	ReasonVerdictNotProceed Reason = "gate_tool_verdict_not_proceed"
	ReasonSchemaRejected    Reason = "schema_rejected"
)

// PromptIDDefault is the reply prompt used when the TOOL run did not
// target one.
const PromptIDDefault = "reply.standard"

// queryMaxLen caps the seeded memory-search query.
const queryMaxLen = 120

// Config holds the derivation toggles.
type Config struct {
	EnableToolDerivation  bool
	EnableReplyDerivation bool
	ToolOnlyMode          bool
}

// Engine derives successor tickets. It is wired into the store as its
// Deriver and calls back into the store to create children and write
// back-references.
type Engine struct {
	store   *store.Store
	gate    *schemagate.Gate
	policy  *cutover.Policy
	metrics *cutover.Metrics
	cfg     Config
	now     func() time.Time
}

// New creates the engine. gate may be nil in tests; policy and metrics
// govern reads of the legacy derived mirror.
func New(st *store.Store, gate *schemagate.Gate, policy *cutover.Policy, metrics *cutover.Metrics, cfg Config) *Engine {
	return &Engine{
		store:   st,
		gate:    gate,
		policy:  policy,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// TicketFilled implements store.Deriver. Invoked inline after a fill
// commits; derivation failures are logged, never propagated back into
// the fill.
func (e *Engine) TicketFilled(t *models.Ticket) {
	if models.CanonicalStatus(t.Status) != models.StatusDone {
		return
	}
	switch t.Kind {
	case models.KindTriage:
		if e.cfg.EnableToolDerivation {
			if _, reason, err := e.DeriveTool(t); err != nil {
				slog.Error("TRIAGE -> TOOL derivation failed", "ticket_id", t.ID, "reason", reason, "error", err)
			}
			return
		}
		if _, reason, err := e.DeriveLegacyReply(t); err != nil {
			slog.Error("TRIAGE -> REPLY derivation failed", "ticket_id", t.ID, "reason", reason, "error", err)
		}
	case models.KindTool:
		if _, reason, err := e.DeriveReply(t); err != nil {
			slog.Error("TOOL -> REPLY derivation failed", "ticket_id", t.ID, "reason", reason, "error", err)
		}
	}
}

// DeriveTool creates the TOOL successor of an approved TRIAGE ticket.
// Returns the child id (new or existing) and the resolution reason.
func (e *Engine) DeriveTool(parent *models.Ticket) (string, Reason, error) {
	if parent.Kind != models.KindTriage {
		return "", ReasonWrongKind, nil
	}
	if parent.Outputs.Decision != models.DecisionApprove {
		return "", ReasonNotApproved, nil
	}
	if !e.cfg.EnableToolDerivation {
		return "", ReasonDisabled, nil
	}
	if existing := e.derivedRef(parent, models.KindTool); existing != "" {
		return existing, ReasonAlreadyDerived, nil
	}

	id := uuid.NewString()
	now := e.now()
	child := &models.Ticket{
		ID:       id,
		TicketID: id,
		Kind:     models.KindTool,
		Status:   models.StatusPending,
		FlowID:   models.FlowTool,
		Event:    parent.Event,
		Metadata: models.Metadata{
			CreatedAt:         now,
			UpdatedAt:         now,
			Kind:              models.KindTool,
			CandidateID:       parent.Metadata.CandidateID,
			ParentTicketID:    parent.ID,
			TriageReferenceID: triageRef(parent),
			ToolInput: &models.ToolInput{
				ToolSteps: []models.ToolStep{seedStep(parent)},
			},
		},
	}

	if reason := e.checkDerive(child); reason != "" {
		return "", reason, nil
	}
	created, err := e.store.Create(child, schemagate.Internal)
	if err != nil {
		return "", ReasonSchemaRejected, err
	}
	if _, err := e.store.SetDerivedRef(parent.ID, models.KindTool, created.ID); err != nil {
		return created.ID, ReasonCreated, err
	}

	slog.Info(fmt.Sprintf("[derive] TRIAGE -> TOOL ticket=%s", created.ID), "parent_id", parent.ID)
	return created.ID, ReasonCreated, nil
}

// DeriveReply creates the REPLY successor of a TOOL ticket whose verdict
// is PROCEED. Orphan recovery reuses an existing REPLY child that lost
// its back-reference.
func (e *Engine) DeriveReply(tool *models.Ticket) (string, Reason, error) {
	if tool.Kind != models.KindTool {
		return "", ReasonWrongKind, nil
	}
	if !e.cfg.EnableReplyDerivation {
		return "", ReasonDisabled, nil
	}
	if e.cfg.ToolOnlyMode {
		return "", ReasonToolOnlyMode, nil
	}

	verdict, present := verdictOf(tool)
	if !present {
		return "", ReasonMissingVerdict, nil
	}
	if verdict != models.VerdictProceed {
		return "", ReasonVerdictNotProceed, nil
	}

	if existing := e.derivedRef(tool, models.KindReply); existing != "" {
		return existing, ReasonAlreadyDerived, nil
	}

	if orphans := e.store.List(store.Filter{Kind: models.KindReply, ParentTicketID: tool.ID}); len(orphans) > 0 {
		recovered := orphans[0]
		if _, err := e.store.SetDerivedRef(tool.ID, models.KindReply, recovered.ID); err != nil {
			return recovered.ID, ReasonRecovered, err
		}
		slog.Warn("Recovered orphaned REPLY child", "ticket_id", recovered.ID, "parent_id", tool.ID)
		return recovered.ID, ReasonRecovered, nil
	}

	triageID := triageRef(tool)
	event := tool.Event
	if triageID != "" {
		if triage, err := e.store.Get(triageID); err == nil {
			event = triage.Event
		}
	}

	child := e.replyTemplate(event, tool.ID, triageID)
	child.Metadata.PromptID = tool.Outputs.TargetPromptID
	if child.Metadata.PromptID == "" {
		child.Metadata.PromptID = PromptIDDefault
	}
	child.Metadata.ReplyInput = &models.ReplyInput{
		Strategy:     tool.Outputs.ReplyStrategy,
		ContextNotes: contextNotes(tool),
	}

	if reason := e.checkDerive(child); reason != "" {
		return "", reason, nil
	}
	created, err := e.store.Create(child, schemagate.Internal)
	if err != nil {
		return "", ReasonSchemaRejected, err
	}
	if _, err := e.store.SetDerivedRef(tool.ID, models.KindReply, created.ID); err != nil {
		return created.ID, ReasonCreated, err
	}

	slog.Info(fmt.Sprintf("[derive] TOOL -> REPLY ticket=%s", created.ID), "parent_id", tool.ID)
	return created.ID, ReasonCreated, nil
}

// DeriveLegacyReply is the direct TRIAGE → REPLY path used when tool
// derivation is disabled. The produced metadata is a superset of the
// canonical path, including triage_reference_id, but carries no
// parent_ticket_id; legacy consumers branch on its absence.
func (e *Engine) DeriveLegacyReply(parent *models.Ticket) (string, Reason, error) {
	if parent.Kind != models.KindTriage {
		return "", ReasonWrongKind, nil
	}
	if parent.Outputs.Decision != models.DecisionApprove {
		return "", ReasonNotApproved, nil
	}
	if e.cfg.EnableToolDerivation || !e.cfg.EnableReplyDerivation {
		return "", ReasonDisabled, nil
	}
	if e.cfg.ToolOnlyMode {
		return "", ReasonToolOnlyMode, nil
	}
	if existing := e.derivedRef(parent, models.KindReply); existing != "" {
		return existing, ReasonAlreadyDerived, nil
	}

	child := e.replyTemplate(parent.Event, "", parent.ID)
	child.Metadata.CandidateID = parent.Metadata.CandidateID
	child.Metadata.PromptID = PromptIDDefault
	child.Metadata.ReplyInput = &models.ReplyInput{ContextNotes: ""}

	if reason := e.checkDerive(child); reason != "" {
		return "", reason, nil
	}
	created, err := e.store.Create(child, schemagate.Internal)
	if err != nil {
		return "", ReasonSchemaRejected, err
	}
	if _, err := e.store.SetDerivedRef(parent.ID, models.KindReply, created.ID); err != nil {
		return created.ID, ReasonCreated, err
	}

	slog.Info(fmt.Sprintf("[derive] TRIAGE -> REPLY ticket=%s", created.ID), "parent_id", parent.ID)
	return created.ID, ReasonCreated, nil
}

// replyTemplate builds the shared REPLY skeleton.
func (e *Engine) replyTemplate(event *models.Event, parentID, triageID string) *models.Ticket {
	id := uuid.NewString()
	now := e.now()
	return &models.Ticket{
		ID:       id,
		TicketID: id,
		Type:     "DraftTicket",
		Kind:     models.KindReply,
		Status:   models.StatusPending,
		FlowID:   models.FlowReply,
		Event:    event,
		Metadata: models.Metadata{
			CreatedAt:         now,
			UpdatedAt:         now,
			Kind:              models.KindReply,
			ParentTicketID:    parentID,
			TriageReferenceID: triageID,
		},
	}
}

// checkDerive runs the internal TICKET_DERIVE gate. A strict rejection
// skips the child without touching the parent.
func (e *Engine) checkDerive(child *models.Ticket) Reason {
	if e.gate == nil {
		return ""
	}
	payload, err := schemagate.Payload(child)
	if err != nil {
		slog.Error("Failed to build derive payload", "ticket_id", child.ID, "error", err)
		return ReasonSchemaRejected
	}
	if res := e.gate.Check(schemagate.TicketDerive, schemagate.Internal, payload); !res.OK {
		slog.Warn("Derivation skipped by schema gate", "ticket_id", child.ID, "warn_codes", res.WarnCodes)
		return ReasonSchemaRejected
	}
	return ""
}

// derivedRef resolves a back-reference: canonical root first, then the
// legacy metadata mirror subject to the cutover policy. Mirror-only
// values are counted as canonical_missing; reading them post-cutover is
// a violation and the value is ignored.
func (e *Engine) derivedRef(t *models.Ticket, childKind models.Kind) string {
	var root, mirror, field string
	switch childKind {
	case models.KindTool:
		field = "derived.tool_ticket_id"
		root = t.Derived.ToolTicketID
		if t.Metadata.Derived != nil {
			mirror = t.Metadata.Derived.ToolTicketID
		}
	case models.KindReply:
		field = "derived.reply_ticket_id"
		root = t.Derived.ReplyTicketID
		if t.Metadata.Derived != nil {
			mirror = t.Metadata.Derived.ReplyTicketID
		}
	}

	if root != "" {
		return root
	}
	if mirror == "" || e.policy == nil {
		return ""
	}

	if e.metrics != nil {
		e.metrics.Record(cutover.CanonicalMissing, field, "derive")
	}
	if e.policy.LegacyReadAllowed(e.now()) {
		if e.metrics != nil {
			e.metrics.Record(cutover.LegacyRead, field, "derive")
		}
		return mirror
	}
	if e.metrics != nil {
		e.metrics.Record(cutover.CutoverViolation, field, "derive")
	}
	return ""
}

// verdictOf reads the tool verdict with canonical precedence:
// outputs.tool_verdict, then metadata.final_outputs.tool_verdict. The
// legacy location is never read.
func verdictOf(t *models.Ticket) (models.Verdict, bool) {
	if t.Outputs.ToolVerdict != "" {
		return t.Outputs.ToolVerdict, true
	}
	if v, ok := t.Metadata.FinalOutputs["tool_verdict"].(string); ok && v != "" {
		return models.ParseVerdict(v), true
	}
	return "", false
}

// triageRef resolves the TRIAGE ancestor of a ticket.
func triageRef(t *models.Ticket) string {
	if t.Metadata.TriageReferenceID != "" {
		return t.Metadata.TriageReferenceID
	}
	if t.Kind == models.KindTriage {
		return t.ID
	}
	return t.Metadata.ParentTicketID
}

// contextNotes reads the fetched context a TOOL run left in
// metadata.final_outputs, empty when absent.
func contextNotes(t *models.Ticket) string {
	if t.Metadata.FinalOutputs == nil {
		return ""
	}
	notes, _ := t.Metadata.FinalOutputs["context_notes"].(string)
	return notes
}

// seedStep builds the initial memory-search step for a derived TOOL
// ticket.
func seedStep(parent *models.Ticket) models.ToolStep {
	query := ""
	if parent.Event != nil {
		query = truncate(parent.Event.Content, queryMaxLen)
	}
	if query == "" {
		query = "triage:" + parent.Metadata.CandidateID
	}
	return models.ToolStep{
		Server: "memory",
		Tool:   "search_nodes",
		Args:   map[string]any{"query": query},
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
