package queue

import "time"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID               string       `json:"id"`
	Status           WorkerStatus `json:"status"`
	CurrentTicketID  string       `json:"current_ticket_id,omitempty"`
	TicketsProcessed int          `json:"tickets_processed"`
	LastActivity     time.Time    `json:"last_activity"`
}

// PoolHealth is a snapshot of the pool's state for the health endpoint.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastReclaimScan time.Time      `json:"last_reclaim_scan,omitempty"`
	LeasesReclaimed int            `json:"leases_reclaimed"`
}
