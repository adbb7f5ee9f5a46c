package store

import (
	"fmt"
	"log/slog"

	"github.com/replyops/ticketd/pkg/evidence"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/schemagate"
)

// SchemaRejectionError carries a strict schema-gate rejection out of a
// write path. At ingress it maps to HTTP 400.
type SchemaRejectionError struct {
	Boundary schemagate.Boundary
	Result   schemagate.Result
}

func (e *SchemaRejectionError) Error() string {
	return fmt.Sprintf("%s: schema validation failed at %s (%d errors)",
		models.CodeSchemaValidationFailed, e.Boundary, len(e.Result.Errors))
}

// FillRejectionError reports a fill that was refused and finalized as
// failed by a guard gate. Maps to HTTP 409 with the stable code and the
// evidence run id.
type FillRejectionError struct {
	Code          string
	EvidenceRunID string
	Ticket        *models.Ticket
}

func (e *FillRejectionError) Error() string {
	return fmt.Sprintf("fill rejected: %s (evidence run %s)", e.Code, e.EvidenceRunID)
}

// FillRequest is a worker's attempt to complete a running ticket.
type FillRequest struct {
	TicketID   string
	Outputs    models.Outputs
	By         string
	LeaseOwner string
	LeaseToken string
	// Direction selects the schema-gate rejection semantics: ingress
	// strict rejects surface as errors, internal strict rejects no-op.
	Direction schemagate.Direction
}

// Fill completes a ticket under its lease, projects the outputs, and
// invokes the derivation engine inline. On success the lease is consumed
// by finalization; the caller must not also release it.
func (s *Store) Fill(req FillRequest) (*models.Ticket, error) {
	if req.Direction == "" {
		req.Direction = schemagate.Ingress
	}

	s.mu.Lock()
	t, ok := s.index[req.TicketID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("ticket %s: %w", req.TicketID, ErrNotFound)
	}

	// Terminal tickets absorb repeated fills: same response, no writes.
	if t.Status.IsTerminal() {
		out := t.Clone()
		s.mu.Unlock()
		return out, nil
	}

	if err := s.verifyLeaseLocked(t, req.LeaseOwner, req.LeaseToken); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snapshot := t.Clone()
	s.mu.Unlock()

	// Gate checks run outside the lock. The lease can expire meanwhile,
	// so finalization re-verifies it under the lock.
	if s.gate != nil {
		payload, err := schemagate.Payload(map[string]any{"outputs": req.Outputs, "by": req.By})
		if err != nil {
			return nil, err
		}
		if res := s.gate.Check(schemagate.TicketComplete, req.Direction, payload); !res.OK {
			if req.Direction == schemagate.Internal {
				return snapshot, nil
			}
			return nil, &SchemaRejectionError{Boundary: schemagate.TicketComplete, Result: res}
		}
	}

	if snapshot.Kind == models.KindTool {
		if rejected, err := s.guardToolFill(snapshot); rejected != nil || err != nil {
			return nil, firstErr(rejected, err)
		}
	}

	filled, err := s.finalizeUnderLease(req.TicketID, req.LeaseOwner, req.LeaseToken, models.StatusDone, req.Outputs)
	if err != nil {
		return nil, err
	}

	slog.Info("Ticket filled", "ticket_id", filled.ID, "kind", filled.Kind, "by", req.By)

	if s.deriver != nil {
		s.deriver.TicketFilled(filled.Clone())
	}
	return filled, nil
}

// guardToolFill applies the tool-validation and readiness gates to a
// TOOL fill. A gate hit finalizes the ticket as failed, records
// rejection evidence, and returns the rejection.
func (s *Store) guardToolFill(t *models.Ticket) (*FillRejectionError, error) {
	if s.registry == nil || t.Metadata.ToolInput == nil {
		return nil, nil
	}

	for _, step := range t.Metadata.ToolInput.ToolSteps {
		if !s.registry.HasTool(step.Server, step.Tool) {
			return s.rejectToolFill(t, models.CodeUnknownToolFill, step)
		}
	}

	if s.readiness == nil {
		return nil, nil
	}
	for _, step := range t.Metadata.ToolInput.ToolSteps {
		if err := s.readiness.RequireDeps(s.registry.DepsForTool(step.Server)); err != nil {
			return s.rejectToolFill(t, models.CodeReadinessBlocked, step)
		}
	}
	return nil, nil
}

// rejectToolFill records rejection evidence and finalizes the ticket as
// failed with the stable code and the evidence run id.
func (s *Store) rejectToolFill(t *models.Ticket, code string, step models.ToolStep) (*FillRejectionError, error) {
	toolName := fmt.Sprintf("%s.%s", step.Server, step.Tool)

	runID := ""
	if s.rejections != nil {
		in := evidence.RejectionInput{
			Ticket:   t,
			Code:     code,
			ToolName: toolName,
			Detail:   map[string]any{"tool": toolName, "ticket_id": t.ID},
		}
		if code == models.CodeReadinessBlocked && s.readiness != nil {
			snap := s.readiness.Snapshot()
			dep := make(map[string]any, len(snap.Deps))
			for _, d := range snap.Deps {
				dep[d.Key] = d.Ready
			}
			in.DepSnapshot = dep
		}
		id, err := s.rejections.RecordRejection(in)
		if err != nil {
			slog.Error("Failed to record rejection evidence", "ticket_id", t.ID, "code", code, "error", err)
		} else {
			runID = id
		}
	}

	failed, err := s.finalizeUnderLease(t.ID, t.Metadata.LeaseOwner, t.Metadata.LeaseToken, models.StatusFailed, models.Outputs{
		ErrorCode:     code,
		EvidenceRunID: runID,
	})
	if err != nil {
		return nil, err
	}

	slog.Warn("Tool fill rejected", "ticket_id", t.ID, "code", code, "tool", toolName, "evidence_run_id", runID)
	return &FillRejectionError{Code: code, EvidenceRunID: runID, Ticket: failed}, nil
}

func firstErr(rej *FillRejectionError, err error) error {
	if err != nil {
		return err
	}
	return rej
}
