package probe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/runner"
)

// scriptedProvider answers each probe from a fixed map.
type scriptedProvider struct {
	responses map[string]Response
}

func (p *scriptedProvider) Probe(_ context.Context, name string) Response {
	if resp, ok := p.responses[name]; ok {
		return resp
	}
	return Response{OK: true}
}

func denyingProvider() *scriptedProvider {
	return &scriptedProvider{responses: map[string]Response{
		ProbeSecurity: {OK: false, Code: models.CodeProbeAccessDenied},
	}}
}

func TestNoMcpProviderPassesGracefully(t *testing.T) {
	report := NewRunner(NoMcpProvider{}, "", 20).Run(context.Background())

	assert.Zero(t, report.ExitCode)
	require.Len(t, report.Results, len(Order))
	for i, result := range report.Results {
		assert.Equal(t, Order[i], result.Name)
		assert.True(t, result.Pass, result.Name)
		assert.True(t, result.Graceful, result.Name)
		assert.Equal(t, models.CodeProviderUnavailableNoMCP, result.Code)
	}
}

func TestProbeOrderIsFixed(t *testing.T) {
	report := NewRunner(denyingProvider(), "", 20).Run(context.Background())

	var names []string
	for _, result := range report.Results {
		names = append(names, result.Name)
	}
	assert.Equal(t, []string{"security", "access", "search", "memory"}, names)
}

func TestSecurityProbeInverted(t *testing.T) {
	t.Run("denied access passes", func(t *testing.T) {
		report := NewRunner(denyingProvider(), "", 20).Run(context.Background())
		assert.Zero(t, report.ExitCode)
		assert.True(t, report.Results[0].Pass)
		assert.Equal(t, models.CodeProbeAccessDenied, report.Results[0].Code)
	})

	t.Run("granted access fails", func(t *testing.T) {
		open := &scriptedProvider{responses: map[string]Response{
			ProbeSecurity: {OK: true},
		}}
		report := NewRunner(open, "", 20).Run(context.Background())
		assert.Equal(t, 1, report.ExitCode)
		assert.False(t, report.Results[0].Pass)
		assert.Equal(t, models.CodeProbeForbidden, report.Results[0].Code)
	})
}

func TestForceFailTargetsOneProbe(t *testing.T) {
	report := NewRunner(denyingProvider(), ProbeSearch, 20).Run(context.Background())

	assert.Equal(t, 1, report.ExitCode)
	for _, result := range report.Results {
		if result.Name == ProbeSearch {
			assert.False(t, result.Pass)
			assert.True(t, result.Forced)
			assert.Equal(t, models.CodeProbeForcedFail, result.Code)
			continue
		}
		assert.True(t, result.Pass, result.Name)
		assert.False(t, result.Forced, result.Name)
	}
}

func TestEvidenceTruncationKeepsFirstN(t *testing.T) {
	evidence := make([]map[string]any, 7)
	for i := range evidence {
		evidence[i] = map[string]any{"rank": i}
	}
	provider := &scriptedProvider{responses: map[string]Response{
		ProbeSecurity: {OK: false, Code: models.CodeProbeAccessDenied},
		ProbeSearch:   {OK: true, Evidence: evidence},
	}}

	report := NewRunner(provider, "", 3).Run(context.Background())

	var search Result
	for _, result := range report.Results {
		if result.Name == ProbeSearch {
			search = result
		}
	}
	require.Len(t, search.Evidence, 3)
	assert.Equal(t, 0, search.Evidence[0]["rank"])
	assert.Equal(t, 2, search.Evidence[2]["rank"])
	assert.True(t, search.EvidenceTruncated)
	assert.Equal(t, 4, search.EvidenceDroppedCount)
}

func TestProviderFailureFailsProbe(t *testing.T) {
	provider := &scriptedProvider{responses: map[string]Response{
		ProbeSecurity: {OK: false, Code: models.CodeProbeAccessDenied},
		ProbeMemory:   {OK: false, Code: models.CodeProviderCallFailed, Detail: "broken pipe"},
	}}

	report := NewRunner(provider, "", 20).Run(context.Background())

	assert.Equal(t, 1, report.ExitCode)
	last := report.Results[len(report.Results)-1]
	assert.Equal(t, ProbeMemory, last.Name)
	assert.False(t, last.Pass)
	assert.False(t, last.Graceful)
}

func TestGatewayProviderMapsCodes(t *testing.T) {
	p := &GatewayProvider{Gateway: runner.NoMcpGateway{}}

	resp := p.Probe(context.Background(), ProbeSearch)
	assert.False(t, resp.OK)
	assert.Equal(t, models.CodeProviderUnavailableNoMCP, resp.Code)

	unknown := p.Probe(context.Background(), "nonexistent")
	assert.Equal(t, models.CodeProviderNotImplemented, unknown.Code)
}
