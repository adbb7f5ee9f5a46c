package cutover

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyModeBoundary(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := NewPolicy(cutoff.UnixMilli(), true)

	// now <= cutoff is pre_cutover, inclusive at the boundary.
	assert.Equal(t, PreCutover, p.Mode(cutoff.Add(-time.Hour)))
	assert.Equal(t, PreCutover, p.Mode(cutoff))
	assert.Equal(t, PostCutover, p.Mode(cutoff.Add(time.Millisecond)))
}

func TestPolicyLegacyReads(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	p := NewPolicy(cutoff.UnixMilli(), true)
	assert.True(t, p.LegacyReadAllowed(cutoff.Add(-time.Hour)))
	assert.False(t, p.LegacyReadAllowed(cutoff.Add(time.Hour)))

	// Legacy reads can be disabled even pre-cutover.
	p = NewPolicy(cutoff.UnixMilli(), false)
	assert.False(t, p.LegacyReadAllowed(cutoff.Add(-time.Hour)))
}

func TestPolicyLegacyWritesNeverAllowed(t *testing.T) {
	p := NewPolicy(time.Now().Add(time.Hour).UnixMilli(), true)
	assert.False(t, p.LegacyWriteAllowed(time.Now()))
}

func TestMetricsSnapshotSortedUnique(t *testing.T) {
	m := NewMetrics()
	m.Record(LegacyRead, "metadata.derived", "fill")
	m.Record(LegacyRead, "metadata.derived", "fill")
	m.Record(CanonicalMissing, "derived", "derive")
	m.Record(LegacyRead, "final_outputs.tool_verdict", "derive")

	snap := m.Snapshot()
	require.Len(t, snap.Counters, 3)

	// Sorted by (event_type, field, source); duplicates merged with counts.
	assert.Equal(t, CanonicalMissing, snap.Counters[0].EventType)
	assert.Equal(t, "final_outputs.tool_verdict", snap.Counters[1].Field)
	assert.Equal(t, "metadata.derived", snap.Counters[2].Field)
	assert.Equal(t, int64(2), snap.Counters[2].Count)

	seen := make(map[CounterRow]bool)
	for _, row := range snap.Counters {
		key := CounterRow{EventType: row.EventType, Field: row.Field, Source: row.Source}
		assert.False(t, seen[key], "duplicate snapshot row %+v", key)
		seen[key] = true
	}
}

func TestMetricsConcurrentRecord(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(LegacyRead, "metadata.derived", "fill")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), m.Total(LegacyRead))
}

func TestCanEnableStrictLegacyReadsPostCutover(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := NewPolicy(cutoff.UnixMilli(), true)

	m := NewMetrics()
	m.Record(LegacyRead, "metadata.derived", "fill")
	m.Record(LegacyRead, "metadata.derived", "fill")

	// Post-cutover with legacy reads observed: not safe.
	d := CanEnableStrict(p, m, cutoff.Add(time.Hour))
	assert.False(t, d.OK)
	assert.Equal(t, []string{ReasonLegacyReadPostCutover}, d.Reasons)
	assert.Equal(t, PostCutover, d.Mode)

	// Shift now to before the cutoff: legacy reads are tolerated.
	d = CanEnableStrict(p, m, cutoff.Add(-time.Hour))
	assert.True(t, d.OK)
	assert.Empty(t, d.Reasons)
}

func TestCanEnableStrictViolations(t *testing.T) {
	p := NewPolicy(0, true)
	m := NewMetrics()
	m.Record(CanonicalMissing, "derived", "derive")
	m.Record(CutoverViolation, "metadata.derived", "store")

	d := CanEnableStrict(p, m, time.Now())
	assert.False(t, d.OK)
	assert.Equal(t, []string{ReasonCanonicalMissingNonzero, ReasonCutoverViolationNonzero}, d.Reasons)
}

func TestCanEnableStrictClean(t *testing.T) {
	p := NewPolicy(0, true)
	d := CanEnableStrict(p, NewMetrics(), time.Now())
	assert.True(t, d.OK)
	assert.Empty(t, d.Reasons)
}
