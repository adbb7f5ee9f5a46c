// Package store is the sole writer of ticket records. State lives in an
// in-memory index rebuilt from an append-only JSONL log; every mutation
// appends the full post-mutation ticket snapshot. outputs.tool_verdict
// is written exclusively by this package.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/evidence"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/schemagate"
)

// Sentinel errors.
var (
	ErrNotFound           = errors.New("ticket not found")
	ErrLeaseConflict      = errors.New("ticket already leased")
	ErrLeaseOwnerMismatch = errors.New("lease owner or token mismatch")
	ErrTerminal           = errors.New("ticket is terminal")
)

// Deriver is invoked inline after a successful fill commits. The store
// holds it as an interface so the derivation engine can call back into
// the store without an import cycle.
type Deriver interface {
	TicketFilled(t *models.Ticket)
}

// RejectionRecorder persists guard-rejection evidence for fills that are
// finalized as failed by the tool or readiness gates. *evidence.Writer
// satisfies it.
type RejectionRecorder interface {
	RecordRejection(in evidence.RejectionInput) (string, error)
}

// logRecord is one line of the ticket log.
type logRecord struct {
	At     time.Time      `json:"at"`
	Ticket *models.Ticket `json:"ticket"`
}

// Store holds the ticket index and the append-only log. All mutations
// run under a single exclusive lock; the critical section is lookup +
// mutate + append.
type Store struct {
	mu    sync.RWMutex
	index map[string]*models.Ticket
	order []string

	logFile *os.File
	logPath string

	gate       *schemagate.Gate
	registry   *config.ToolRegistry
	readiness  *readiness.Registry
	rejections RejectionRecorder
	deriver    Deriver

	sched *kindScheduler
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithGate installs the schema gate applied at the write boundaries.
func WithGate(g *schemagate.Gate) Option {
	return func(s *Store) { s.gate = g }
}

// WithToolRegistry installs the tool allowlist used by the fill gates.
func WithToolRegistry(r *config.ToolRegistry) Option {
	return func(s *Store) { s.registry = r }
}

// WithReadiness installs the readiness registry used by the fill gates.
func WithReadiness(r *readiness.Registry) Option {
	return func(s *Store) { s.readiness = r }
}

// WithRejectionRecorder installs the evidence recorder for gate
// rejections.
func WithRejectionRecorder(r RejectionRecorder) Option {
	return func(s *Store) { s.rejections = r }
}

// WithLeaseStrategy selects the per-kind scheduling strategy for
// kindless lease calls.
func WithLeaseStrategy(strategy config.LeaseStrategy, weights map[string]int) Option {
	return func(s *Store) { s.sched = newKindScheduler(strategy, weights) }
}

// withClock is a test hook.
func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates a store backed by the JSONL log at path, replaying any
// existing records. An empty path keeps the store memory-only.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		index:   make(map[string]*models.Ticket),
		logPath: path,
		sched:   newKindScheduler(config.StrategyTriageFirst, nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ticket log dir: %w", err)
	}
	if err := s.replay(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ticket log %s: %w", path, err)
	}
	s.logFile = f

	slog.Info("Ticket store opened", "path", path, "tickets", len(s.index))
	return s, nil
}

// SetDeriver wires the derivation engine. Called once at startup, before
// any fill traffic.
func (s *Store) SetDeriver(d Deriver) {
	s.deriver = d
}

// Close closes the underlying log file.
func (s *Store) Close() error {
	if s.logFile == nil {
		return nil
	}
	return s.logFile.Close()
}

// replay rebuilds the index from the log. Later records for the same
// ticket win; first-seen order is preserved for FIFO scheduling.
func (s *Store) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening ticket log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("Skipping corrupt ticket log line", "path", path, "line", line, "error", err)
			continue
		}
		if rec.Ticket == nil || rec.Ticket.ID == "" {
			continue
		}
		if _, known := s.index[rec.Ticket.ID]; !known {
			s.order = append(s.order, rec.Ticket.ID)
		}
		s.index[rec.Ticket.ID] = rec.Ticket
	}
	return scanner.Err()
}

// RecoverRunning resets non-terminal running tickets to pending with
// lease fields cleared. Called once after replay: a restart means every
// previous lease holder is gone.
func (s *Store) RecoverRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, id := range s.order {
		t := s.index[id]
		if models.CanonicalStatus(t.Status) != models.StatusRunning {
			continue
		}
		s.clearLease(t)
		t.Status = models.StatusPending
		t.Trace = append(t.Trace, models.AttemptEvent{
			Type: models.AttemptLeaseExpired, At: s.now(), Detail: "recovered at startup",
		})
		t.Metadata.UpdatedAt = s.now()
		s.appendLocked(t)
		recovered++
	}
	if recovered > 0 {
		slog.Info("Recovered running tickets at startup", "count", recovered)
	}
	return recovered
}

// NewTriageTicket builds a pending TRIAGE ticket for an ingress event.
func NewTriageTicket(ev *models.Event, candidateID string, now time.Time) *models.Ticket {
	id := uuid.NewString()
	return &models.Ticket{
		ID:       id,
		TicketID: id,
		Kind:     models.KindTriage,
		Status:   models.StatusPending,
		FlowID:   models.FlowTriage,
		Event:    ev,
		Metadata: models.Metadata{
			CreatedAt:   now,
			UpdatedAt:   now,
			Kind:        models.KindTriage,
			CandidateID: candidateID,
		},
	}
}

// Create persists a new ticket after gating it at TICKET_CREATE. On a
// strict rejection the ticket is not created and the gate result is
// returned inside a SchemaRejectionError.
func (s *Store) Create(t *models.Ticket, direction schemagate.Direction) (*models.Ticket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TicketID == "" {
		t.TicketID = t.ID
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.Metadata.CreatedAt.IsZero() {
		t.Metadata.CreatedAt = s.now()
	}
	t.Metadata.UpdatedAt = s.now()

	if s.gate != nil {
		payload, err := schemagate.Payload(t)
		if err != nil {
			return nil, err
		}
		if res := s.gate.Check(schemagate.TicketCreate, direction, payload); !res.OK {
			return nil, &SchemaRejectionError{Boundary: schemagate.TicketCreate, Result: res}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[t.ID]; exists {
		return nil, fmt.Errorf("ticket %s: already exists", t.ID)
	}
	cp := t.Clone()
	s.index[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	s.appendLocked(cp)

	slog.Info("Ticket created", "ticket_id", cp.ID, "kind", cp.Kind, "flow_id", cp.FlowID)
	return cp.Clone(), nil
}

// Get returns a copy of the ticket.
func (s *Store) Get(id string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Kind           models.Kind
	Status         models.Status
	ParentTicketID string
}

// List returns copies of tickets matching the filter, in creation order.
func (s *Store) List(f Filter) []*models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Ticket
	for _, id := range s.order {
		t := s.index[id]
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && models.CanonicalStatus(t.Status) != models.CanonicalStatus(f.Status) {
			continue
		}
		if f.ParentTicketID != "" && t.Metadata.ParentTicketID != f.ParentTicketID {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// UpdateUnderLease applies mutator to the ticket iff the lease matches.
// The mutator sees the index copy; status and lease fields it sets are
// kept, so it must not fabricate terminal states.
func (s *Store) UpdateUnderLease(id, owner, token string, mutator func(*models.Ticket) error) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrTerminal)
	}
	if err := s.verifyLeaseLocked(t, owner, token); err != nil {
		return nil, err
	}
	if err := mutator(t); err != nil {
		return nil, err
	}
	t.Metadata.UpdatedAt = s.now()
	s.appendLocked(t)
	return t.Clone(), nil
}

// Release returns a running ticket to pending without recording an
// attempt. Lease must match.
func (s *Store) Release(id, owner, token string) (*models.Ticket, error) {
	return s.backToPending(id, owner, token, false)
}

// Nack returns a running ticket to pending and increments the attempt
// counter. Lease must match.
func (s *Store) Nack(id, owner, token string) (*models.Ticket, error) {
	return s.backToPending(id, owner, token, true)
}

func (s *Store) backToPending(id, owner, token string, countAttempt bool) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrTerminal)
	}
	if err := s.verifyLeaseLocked(t, owner, token); err != nil {
		return nil, err
	}

	s.clearLease(t)
	t.Status = models.StatusPending
	if countAttempt {
		t.Metadata.Attempts++
	}
	t.Metadata.UpdatedAt = s.now()
	s.appendLocked(t)
	return t.Clone(), nil
}

// Fail finalizes a ticket as failed with a stable reason code. Internal
// path: no lease check, used by timers and startup recovery.
func (s *Store) Fail(id, reason string) (*models.Ticket, error) {
	return s.Finalize(id, models.StatusFailed, models.Outputs{ErrorCode: reason})
}

// Finalize transitions a ticket to a terminal status and projects the
// outputs. This is the only site in the repository that assigns
// outputs.tool_verdict. Idempotent on terminal tickets.
func (s *Store) Finalize(id string, terminal models.Status, outputs models.Outputs) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return t.Clone(), nil
	}
	return s.finalizeLocked(t, terminal, outputs)
}

// finalizeUnderLease finalizes a ticket only while the caller still
// holds its lease. The fill path runs gate and guard checks outside the
// lock, so the lease is re-verified here: the reclaimer may have
// returned the ticket to pending and another owner may hold a fresh
// lease by now. Terminal tickets stay idempotent no-ops.
func (s *Store) finalizeUnderLease(id, owner, token string, terminal models.Status, outputs models.Outputs) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if t.Status.IsTerminal() {
		return t.Clone(), nil
	}
	if err := s.verifyLeaseLocked(t, owner, token); err != nil {
		return nil, err
	}
	return s.finalizeLocked(t, terminal, outputs)
}

// finalizeLocked projects outputs and moves the ticket to its terminal
// status. Caller holds the lock and has ruled out terminal states.
func (s *Store) finalizeLocked(t *models.Ticket, terminal models.Status, outputs models.Outputs) (*models.Ticket, error) {
	if !terminal.IsTerminal() {
		return nil, fmt.Errorf("ticket %s: %q is not a terminal status", t.ID, terminal)
	}

	s.projectOutputsLocked(t, outputs)
	s.clearLease(t)
	t.Status = terminal
	t.Metadata.UpdatedAt = s.now()
	s.appendLocked(t)

	slog.Info("Ticket finalized", "ticket_id", t.ID, "kind", t.Kind, "status", terminal,
		"error_code", t.Outputs.ErrorCode)
	return t.Clone(), nil
}

// projectOutputsLocked merges fill outputs into the ticket by kind.
// TOOL tickets always end with a canonical verdict: the fill value wins,
// then metadata.final_outputs, then UNKNOWN. The legacy location is
// never read.
func (s *Store) projectOutputsLocked(t *models.Ticket, outputs models.Outputs) {
	switch t.Kind {
	case models.KindTriage:
		t.Outputs.Decision = outputs.Decision
	case models.KindTool:
		verdict := string(outputs.ToolVerdict)
		if verdict == "" {
			if v, ok := t.Metadata.FinalOutputs["tool_verdict"].(string); ok {
				verdict = v
			}
		}
		t.Outputs.ToolVerdict = models.ParseVerdict(verdict)
	case models.KindReply:
		t.Outputs.ReplyText = outputs.ReplyText
	}
	if outputs.ReplyStrategy != "" {
		t.Outputs.ReplyStrategy = outputs.ReplyStrategy
	}
	if outputs.TargetPromptID != "" {
		t.Outputs.TargetPromptID = outputs.TargetPromptID
	}
	if outputs.ErrorCode != "" {
		t.Outputs.ErrorCode = outputs.ErrorCode
	}
	if outputs.EvidenceRunID != "" {
		t.Outputs.EvidenceRunID = outputs.EvidenceRunID
	}
}

// SetDerivedRef writes a child back-reference on the canonical root
// derived block. Each direction is set at most once; a second call with
// any child id is a no-op returning false. The legacy metadata mirror is
// never written.
func (s *Store) SetDerivedRef(id string, childKind models.Kind, childID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return false, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}

	switch childKind {
	case models.KindTool:
		if t.Derived.ToolTicketID != "" {
			return false, nil
		}
		t.Derived.ToolTicketID = childID
	case models.KindReply:
		if t.Derived.ReplyTicketID != "" {
			return false, nil
		}
		t.Derived.ReplyTicketID = childID
	default:
		return false, fmt.Errorf("ticket %s: no derived ref for kind %q", id, childKind)
	}

	t.Metadata.UpdatedAt = s.now()
	s.appendLocked(t)
	return true, nil
}

// AppendAttempt records an attempt event on the ticket trace.
func (s *Store) AppendAttempt(id string, ev models.AttemptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	t.Trace = append(t.Trace, ev)
	s.appendLocked(t)
	return nil
}

// verifyLeaseLocked checks the caller's lease against the ticket.
func (s *Store) verifyLeaseLocked(t *models.Ticket, owner, token string) error {
	if models.CanonicalStatus(t.Status) != models.StatusRunning {
		return fmt.Errorf("ticket %s not running: %w", t.ID, ErrLeaseOwnerMismatch)
	}
	if t.Metadata.LeaseOwner != owner || t.Metadata.LeaseToken != token {
		return fmt.Errorf("ticket %s: %w", t.ID, ErrLeaseOwnerMismatch)
	}
	if t.Metadata.LeaseExpires != nil && t.Metadata.LeaseExpires.Before(s.now()) {
		return fmt.Errorf("ticket %s lease expired: %w", t.ID, ErrLeaseOwnerMismatch)
	}
	return nil
}

func (s *Store) clearLease(t *models.Ticket) {
	t.Metadata.LeaseOwner = ""
	t.Metadata.LeaseToken = ""
	t.Metadata.LeaseExpires = nil
}

// appendLocked writes the post-mutation snapshot to the log. Caller must
// hold the lock. A write failure is logged, not fatal: the index is the
// live state, the log is durability.
func (s *Store) appendLocked(t *models.Ticket) {
	if s.logFile == nil {
		return
	}
	data, err := json.Marshal(logRecord{At: s.now(), Ticket: t})
	if err != nil {
		slog.Error("Failed to encode ticket log record", "ticket_id", t.ID, "error", err)
		return
	}
	if _, err := s.logFile.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to append ticket log record", "ticket_id", t.ID, "error", err)
	}
}

// pendingByKind counts schedulable tickets per kind. Caller must hold at
// least the read lock.
func (s *Store) pendingByKind() map[models.Kind]int {
	counts := make(map[models.Kind]int, 3)
	for _, id := range s.order {
		t := s.index[id]
		if models.CanonicalStatus(t.Status) == models.StatusPending {
			counts[t.Kind]++
		}
	}
	return counts
}

// sortByCreatedAt orders tickets FIFO for lease selection.
func sortByCreatedAt(tickets []*models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].Metadata.CreatedAt.Before(tickets[j].Metadata.CreatedAt)
	})
}
