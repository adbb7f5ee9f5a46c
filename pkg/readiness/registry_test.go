package readiness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInitialStateIsUnavailable(t *testing.T) {
	reg := NewRegistry("memory", "web_search")

	st := reg.Get("memory")
	assert.False(t, st.Ready)
	assert.Equal(t, CodeUnavailable, st.Code)
}

func TestRequireDepsAllReady(t *testing.T) {
	reg := NewRegistry("memory", "web_search")
	reg.MarkReady("memory")
	reg.MarkReady("web_search")

	assert.NoError(t, reg.RequireDeps([]string{"memory", "web_search"}))
}

func TestRequireDepsReportsMissingSorted(t *testing.T) {
	reg := NewRegistry("memory", "web_search", "notebooklm")
	reg.MarkReady("memory")

	err := reg.RequireDeps([]string{"web_search", "notebooklm", "memory"})
	require.Error(t, err)

	var unavail *RequiredUnavailableError
	require.ErrorAs(t, err, &unavail)
	assert.Equal(t, []string{"notebooklm", "web_search"}, unavail.Missing)
	assert.Contains(t, err.Error(), "MCP_REQUIRED_UNAVAILABLE")
}

func TestRequireDepsUnknownKeyIsMissing(t *testing.T) {
	reg := NewRegistry("memory")
	reg.MarkReady("memory")

	err := reg.RequireDeps([]string{"memory", "never_registered"})
	require.Error(t, err)

	var unavail *RequiredUnavailableError
	require.ErrorAs(t, err, &unavail)
	assert.Equal(t, []string{"never_registered"}, unavail.Missing)
}

func TestGetUnknownKey(t *testing.T) {
	reg := NewRegistry()
	st := reg.Get("ghost")
	assert.False(t, st.Ready)
	assert.Equal(t, CodeNotConfigured, st.Code)
}

func TestSnapshotSortedAndDegraded(t *testing.T) {
	reg := NewRegistry("web_search", "memory", "filesystem")
	reg.MarkReady("memory")
	reg.MarkUnavailable("web_search", CodeInitFailed, "connect refused")

	snap := reg.Snapshot()
	assert.True(t, snap.Degraded)
	require.Len(t, snap.Deps, 3)
	assert.Equal(t, "filesystem", snap.Deps[0].Key)
	assert.Equal(t, "memory", snap.Deps[1].Key)
	assert.Equal(t, "web_search", snap.Deps[2].Key)
	assert.Equal(t, CodeInitFailed, snap.Deps[2].Code)
}

func TestSnapshotLineHasStablePrefix(t *testing.T) {
	reg := NewRegistry("memory")
	line := reg.SnapshotLine()
	assert.True(t, strings.HasPrefix(line, SnapshotPrefix+" "))
	assert.Contains(t, line, "memory=DEP_UNAVAILABLE/false")
}

func TestStrictInitCheck(t *testing.T) {
	reg := NewRegistry("memory")

	err := reg.StrictInitCheck([]string{"memory"})
	assert.Error(t, err)

	reg.MarkReady("memory")
	assert.NoError(t, reg.StrictInitCheck([]string{"memory"}))
}
