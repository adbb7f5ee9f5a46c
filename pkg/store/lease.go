package store

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/models"
)

// DefaultLeaseSec is the lease duration applied when a request does not
// carry one.
const DefaultLeaseSec = 60

// LeaseRequest selects a batch of pending tickets for one worker.
type LeaseRequest struct {
	// Kind restricts the batch to one ticket kind. Empty lets the
	// configured strategy pick a kind per call.
	Kind  models.Kind
	Limit int
	// LeaseSec is the lease duration in seconds.
	LeaseSec int
	// Capabilities restricts selection to tickets whose flow_id is in the
	// set. Empty means any flow.
	Capabilities []string
}

// Lease atomically claims up to Limit pending tickets, FIFO by
// created_at. Each claimed ticket becomes running with a fresh
// lease_owner, lease_token, and lease_expires.
func (s *Store) Lease(req LeaseRequest) ([]*models.Ticket, error) {
	if req.Limit <= 0 {
		req.Limit = 1
	}
	if req.LeaseSec <= 0 {
		req.LeaseSec = DefaultLeaseSec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kind := req.Kind
	if kind == "" {
		kind = s.sched.next(s.pendingByKind())
		if kind == "" {
			return nil, nil
		}
	}

	capSet := make(map[string]bool, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capSet[c] = true
	}

	var candidates []*models.Ticket
	for _, id := range s.order {
		t := s.index[id]
		if t.Kind != kind || models.CanonicalStatus(t.Status) != models.StatusPending {
			continue
		}
		if len(capSet) > 0 && !capSet[t.FlowID] {
			continue
		}
		candidates = append(candidates, t)
	}
	sortByCreatedAt(candidates)

	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	now := s.now()
	expires := now.Add(time.Duration(req.LeaseSec) * time.Second)
	batch := make([]*models.Ticket, 0, len(candidates))
	for _, t := range candidates {
		s.stampLeaseLocked(t, newLeaseOwner(), newLeaseToken(), expires)
		batch = append(batch, t.Clone())
		slog.Info("Ticket leased", "ticket_id", t.ID, "kind", t.Kind,
			"lease_owner", t.Metadata.LeaseOwner, "lease_expires", expires)
	}
	if len(batch) > 0 {
		s.sched.served(kind)
	}
	return batch, nil
}

// LeaseOne claims a specific pending ticket for the given owner (a fresh
// owner is generated when empty). Concurrent attempts on the same ticket
// resolve with exactly one winner; losers get ErrLeaseConflict.
func (s *Store) LeaseOne(id string, leaseSec int, owner string) (*models.Ticket, error) {
	if leaseSec <= 0 {
		leaseSec = DefaultLeaseSec
	}
	if owner == "" {
		owner = newLeaseOwner()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if models.CanonicalStatus(t.Status) != models.StatusPending {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrLeaseConflict)
	}

	expires := s.now().Add(time.Duration(leaseSec) * time.Second)
	s.stampLeaseLocked(t, owner, newLeaseToken(), expires)
	slog.Info("Ticket leased", "ticket_id", t.ID, "kind", t.Kind,
		"lease_owner", t.Metadata.LeaseOwner, "lease_expires", expires)
	return t.Clone(), nil
}

// ReclaimExpired resets running tickets whose lease expired back to
// pending, appending LEASE_EXPIRED to their trace. Returns the number of
// tickets reclaimed.
func (s *Store) ReclaimExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	reclaimed := 0
	for _, id := range s.order {
		t := s.index[id]
		if models.CanonicalStatus(t.Status) != models.StatusRunning {
			continue
		}
		if t.Metadata.LeaseExpires == nil || !t.Metadata.LeaseExpires.Before(now) {
			continue
		}
		owner := t.Metadata.LeaseOwner
		s.clearLease(t)
		t.Status = models.StatusPending
		t.Metadata.Attempts++
		t.Trace = append(t.Trace, models.AttemptEvent{
			Type: models.AttemptLeaseExpired, At: now, Detail: "lease expired, owner " + owner,
		})
		t.Metadata.UpdatedAt = now
		s.appendLocked(t)
		reclaimed++
		slog.Warn("Lease expired, ticket reclaimed", "ticket_id", t.ID, "lease_owner", owner)
	}
	return reclaimed
}

func (s *Store) stampLeaseLocked(t *models.Ticket, owner, token string, expires time.Time) {
	t.Status = models.StatusRunning
	t.Metadata.LeaseOwner = owner
	t.Metadata.LeaseToken = token
	t.Metadata.LeaseExpires = &expires
	t.Metadata.UpdatedAt = s.now()
	s.appendLocked(t)
}

func newLeaseOwner() string {
	return "worker-" + uuid.NewString()
}

func newLeaseToken() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// kindOrder is the deterministic tie-break order for scheduling.
var kindOrder = []models.Kind{models.KindTriage, models.KindTool, models.KindReply}

// kindScheduler picks which kind a kindless lease call is offered.
// Strategies apply across calls, never within one batch. Callers hold
// the store lock.
type kindScheduler struct {
	strategy config.LeaseStrategy
	weights  map[models.Kind]int
	counts   map[models.Kind]int
	rr       int
}

func newKindScheduler(strategy config.LeaseStrategy, weights map[string]int) *kindScheduler {
	ks := &kindScheduler{
		strategy: strategy,
		weights:  make(map[models.Kind]int, len(weights)),
		counts:   make(map[models.Kind]int, 3),
	}
	for k, w := range weights {
		if w > 0 {
			ks.weights[models.Kind(k)] = w
		}
	}
	return ks
}

// next returns the kind to serve, or "" when nothing is pending.
func (ks *kindScheduler) next(pending map[models.Kind]int) models.Kind {
	switch ks.strategy {
	case config.StrategyReplyFirst:
		for i := len(kindOrder) - 1; i >= 0; i-- {
			if pending[kindOrder[i]] > 0 {
				return kindOrder[i]
			}
		}
	case config.StrategyRoundRobin:
		for i := 0; i < len(kindOrder); i++ {
			kind := kindOrder[(ks.rr+i)%len(kindOrder)]
			if pending[kind] > 0 {
				ks.rr = (ks.rr + i + 1) % len(kindOrder)
				return kind
			}
		}
	case config.StrategyWeighted:
		return ks.nextWeighted(pending)
	default: // triage_first
		for _, kind := range kindOrder {
			if pending[kind] > 0 {
				return kind
			}
		}
	}
	return ""
}

// nextWeighted serves the pending kind with the lowest served/weight
// ratio, ties broken by kind order.
func (ks *kindScheduler) nextWeighted(pending map[models.Kind]int) models.Kind {
	var best models.Kind
	bestRatio := 0.0
	for _, kind := range kindOrder {
		if pending[kind] == 0 {
			continue
		}
		weight := ks.weights[kind]
		if weight == 0 {
			weight = 1
		}
		ratio := float64(ks.counts[kind]) / float64(weight)
		if best == "" || ratio < bestRatio {
			best = kind
			bestRatio = ratio
		}
	}
	return best
}

func (ks *kindScheduler) served(kind models.Kind) {
	ks.counts[kind]++
}

// jitter spreads polling workers; used by the queue package through
// NextPollDelay.
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)/5+1))
}

// NextPollDelay returns the base poll interval with up to 20% jitter so
// concurrent workers do not stampede the lease path.
func NextPollDelay(base time.Duration) time.Duration {
	return jitter(base)
}
