package cutover

import (
	"sort"
	"sync"
)

// EventType classifies a compatibility observation.
type EventType string

// Compatibility event types.
const (
	LegacyRead       EventType = "legacy_read"
	CutoverViolation EventType = "cutover_violation"
	CanonicalMissing EventType = "canonical_missing"
)

// counterKey keys the counter table. Cardinality is bounded by the fixed
// event types and the small set of instrumented fields.
type counterKey struct {
	Event  EventType
	Field  string
	Source string
}

// CounterRow is one row of a metrics snapshot.
type CounterRow struct {
	EventType EventType `json:"event_type"`
	Field     string    `json:"field"`
	Source    string    `json:"source,omitempty"`
	Count     int64     `json:"count"`
}

// MetricsSnapshot is a point-in-time copy of the counter table, rows
// sorted by (event_type, field, source) and unique per key.
type MetricsSnapshot struct {
	Counters []CounterRow `json:"counters"`
}

// Metrics is the low-cardinality compatibility counter table.
type Metrics struct {
	mu       sync.Mutex
	counters map[counterKey]int64
}

// NewMetrics creates an empty counter table.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[counterKey]int64)}
}

// Record increments the counter for (event, field, source).
func (m *Metrics) Record(event EventType, field, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey{Event: event, Field: field, Source: source}]++
}

// Total sums all counters for one event type.
func (m *Metrics) Total(event EventType) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for k, v := range m.counters {
		if k.Event == event {
			total += v
		}
	}
	return total
}

// Snapshot builds a stable-ordered point-in-time copy.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]CounterRow, 0, len(m.counters))
	for k, v := range m.counters {
		rows = append(rows, CounterRow{EventType: k.Event, Field: k.Field, Source: k.Source, Count: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.EventType != b.EventType {
			return a.EventType < b.EventType
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Source < b.Source
	})
	return MetricsSnapshot{Counters: rows}
}
