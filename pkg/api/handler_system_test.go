package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/runner"
)

type echoGateway struct{}

func (echoGateway) Execute(_ context.Context, req runner.GatewayRequest) runner.GatewayResult {
	return runner.GatewayResult{
		OK:     true,
		Result: map[string]any{"tool": req.ToolName()},
	}
}

func TestHealthStaysUpWhenDegraded(t *testing.T) {
	h := newHarness(t)
	h.ready.MarkUnavailable("memory", readiness.CodeUnavailable, "connection refused")

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	snap, ok := body["readiness"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, snap["degraded"])
}

func TestHealthOKWhenAllReady(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestMetricsShape(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Contains(t, body, "readiness")
	require.Contains(t, body, "schema_gate")

	cut, ok := body["cutover"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cut, "mode")
	assert.Contains(t, cut, "counters")

	gate, ok := cut["strict_gate"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, gate, "ok")
}

func TestToolExecuteUnknownTool(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tools/execute", map[string]any{
		"server": "memory", "tool": "drop_all_nodes",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.CodeMissingTool, decodeBody(t, rec)["error_code"])
}

func TestToolExecuteSuccess(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Gateway = echoGateway{} })

	rec := h.do(t, http.MethodPost, "/v1/tools/execute", map[string]any{
		"server": "memory", "tool": "search_nodes", "arguments": map[string]any{"query": "q"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "memory.search_nodes", result["tool"])
}

func TestToolExecuteGatedOnReadiness(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.GateToolSurfaces = true })
	h.ready.MarkUnavailable("memory", readiness.CodeUnavailable, "connection refused")

	rec := h.do(t, http.MethodPost, "/v1/tools/execute", map[string]any{
		"server": "memory", "tool": "search_nodes", "arguments": map[string]any{"query": "q"},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, models.CodeMCPRequiredUnavailable, body["error_code"])
	assert.Equal(t, true, body["degraded"])
	assert.Contains(t, body["missing_required"], "memory")
}

func TestToolExecuteDegradedGateway(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tools/execute", map[string]any{
		"server": "memory", "tool": "search_nodes", "arguments": map[string]any{"query": "q"},
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, models.CodeToolUnavailable, decodeBody(t, rec)["error_code"])
}
