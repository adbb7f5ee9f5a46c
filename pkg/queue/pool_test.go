package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyops/ticketd/pkg/models"
)

func TestPoolProcessesBacklog(t *testing.T) {
	s := newStore(t)
	first := pendingTool(t, s)
	second := pendingTool(t, s)

	pool := NewWorkerPool(s, &scriptedExecutor{report: okReport()}, Config{
		WorkerCount:  2,
		PollInterval: 10 * time.Millisecond,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		a, errA := s.Get(first.ID)
		b, errB := s.Get(second.ID)
		return errA == nil && errB == nil && a.Status.IsTerminal() && b.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolHealthSnapshot(t *testing.T) {
	s := newStore(t)
	pendingTool(t, s)

	pool := NewWorkerPool(s, &scriptedExecutor{report: okReport()}, Config{
		WorkerCount:  1,
		PollInterval: time.Minute, // workers stay parked for this snapshot
	})

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.Zero(t, health.TotalWorkers)
	assert.Equal(t, 1, health.QueueDepth)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	s := newStore(t)
	pool := NewWorkerPool(s, &scriptedExecutor{report: okReport()}, Config{
		WorkerCount:  1,
		PollInterval: time.Minute,
	})

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx)
	defer pool.Stop()

	assert.Len(t, pool.workers, 1)
}

func TestReclaimerReturnsExpiredLeases(t *testing.T) {
	s := newStore(t)
	ticket := pendingTool(t, s)

	// A worker elsewhere leased the ticket with a tiny lease and died.
	_, err := s.LeaseOne(ticket.ID, 1, "")
	require.NoError(t, err)

	pool := NewWorkerPool(s, &scriptedExecutor{report: okReport()}, Config{
		WorkerCount:     0,
		ReclaimInterval: 50 * time.Millisecond,
	})
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Get(ticket.ID)
		return err == nil && models.CanonicalStatus(got.Status) == models.StatusPending
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.Get(ticket.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Trace)
	assert.Equal(t, models.AttemptLeaseExpired, got.Trace[len(got.Trace)-1].Type)
}
