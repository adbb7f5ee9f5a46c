package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

// errNoTickets signals an empty poll; the worker sleeps and retries.
var errNoTickets = errors.New("no tickets available")

// Worker polls the store for pending TOOL tickets, executes them, and
// fills the verdict under the lease it holds.
type Worker struct {
	id       string
	store    *store.Store
	executor ToolExecutor
	poll     time.Duration
	leaseSec int
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	status           WorkerStatus
	currentTicketID  string
	ticketsProcessed int
	lastActivity     time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id string, st *store.Store, executor ToolExecutor, poll time.Duration, leaseSec int) *Worker {
	return &Worker{
		id:           id,
		store:        st,
		executor:     executor,
		poll:         poll,
		leaseSec:     leaseSec,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. The
// current ticket is completed before exit. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           w.status,
		CurrentTicketID:  w.currentTicketID,
		TicketsProcessed: w.ticketsProcessed,
		LastActivity:     w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, errNoTickets) {
					w.sleep(store.NextPollDelay(w.poll))
					continue
				}
				log.Error("Error processing ticket", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess leases one TOOL ticket and runs it to a fill.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	batch, err := w.store.Lease(store.LeaseRequest{
		Kind:     models.KindTool,
		Limit:    1,
		LeaseSec: w.leaseSec,
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return errNoTickets
	}
	ticket := batch[0]

	w.setWorking(ticket.ID)
	defer w.setIdle()

	return w.process(ctx, ticket)
}

// process executes the ticket's steps and fills the verdict. The lease
// is consumed by the fill; on executor failure the ticket is nacked so
// another worker can retry.
func (w *Worker) process(ctx context.Context, ticket *models.Ticket) error {
	log := slog.With("worker_id", w.id, "ticket_id", ticket.ID)

	report, err := w.executor.Execute(ctx, ticket)
	if err != nil {
		log.Error("Tool execution failed, returning ticket to queue", "error", err)
		if _, nackErr := w.store.Nack(ticket.ID, ticket.Metadata.LeaseOwner, ticket.Metadata.LeaseToken); nackErr != nil {
			log.Error("Failed to nack ticket", "error", nackErr)
		}
		return err
	}

	// The run's RUN/STEP events land on the ticket trace so the trace
	// endpoint can show what each attempt did.
	for _, ev := range report.AttemptEvents {
		if appendErr := w.store.AppendAttempt(ticket.ID, ev); appendErr != nil {
			log.Error("Failed to record run trace event", "error", appendErr)
			break
		}
	}

	outputs := models.Outputs{
		ToolVerdict:   verdictForRun(report),
		EvidenceRunID: report.RunID,
	}
	if report.PrimaryFailureCode != nil {
		outputs.ErrorCode = *report.PrimaryFailureCode
	}

	_, err = w.store.Fill(store.FillRequest{
		TicketID:   ticket.ID,
		Outputs:    outputs,
		By:         w.id,
		LeaseOwner: ticket.Metadata.LeaseOwner,
		LeaseToken: ticket.Metadata.LeaseToken,
		Direction:  schemagate.Internal,
	})
	if err != nil {
		// Guard rejections finalized the ticket with their own evidence;
		// nothing left for this worker to do.
		var rejection *store.FillRejectionError
		if errors.As(err, &rejection) {
			log.Warn("Ticket finalized by fill guard", "code", rejection.Code,
				"evidence_run_id", rejection.EvidenceRunID)
			return nil
		}
		return err
	}

	log.Info("Ticket processed", "run_id", report.RunID, "terminal_status", report.TerminalStatus)
	return nil
}

func (w *Worker) setWorking(ticketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = WorkerStatusWorking
	w.currentTicketID = ticketID
	w.lastActivity = time.Now()
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = WorkerStatusIdle
	w.currentTicketID = ""
	w.ticketsProcessed++
	w.lastActivity = time.Now()
}
