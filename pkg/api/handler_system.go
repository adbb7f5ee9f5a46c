package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/replyops/ticketd/pkg/cutover"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/runner"
	"github.com/replyops/ticketd/pkg/version"
)

type toolExecuteRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// handleHealth reports liveness plus a readiness snapshot. Degraded
// dependencies never turn this into a 5xx; the body carries the detail.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.deps.Readiness.Snapshot()

	status := "ok"
	if snap.Degraded {
		status = "degraded"
	}
	body := gin.H{"status": status, "version": version.Full(), "readiness": snap}
	if s.deps.Pool != nil {
		body["pool"] = s.deps.Pool.Health()
	}
	c.JSON(http.StatusOK, body)
}

// handleMetrics exposes the observable counters: readiness, cutover
// (mode, counters, strict-enable decision), and schema-gate totals.
func (s *Server) handleMetrics(c *gin.Context) {
	now := s.now()
	c.JSON(http.StatusOK, gin.H{
		"readiness": s.deps.Readiness.Snapshot(),
		"cutover": gin.H{
			"mode":        s.deps.Cutover.Mode(now),
			"counters":    s.deps.CutoverMetrics.Snapshot().Counters,
			"strict_gate": cutover.CanEnableStrict(s.deps.Cutover, s.deps.CutoverMetrics, now),
		},
		"schema_gate": s.deps.SchemaGate.Snapshot(),
	})
}

// handleToolExecute runs a single registry tool through the gateway,
// outside any ticket.
func (s *Server) handleToolExecute(c *gin.Context) {
	var req toolExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tool request"})
		return
	}

	if !s.deps.Registry.HasTool(req.Server, req.Tool) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code": models.CodeMissingTool,
			"server":     req.Server,
			"tool":       req.Tool,
		})
		return
	}

	if s.deps.GateToolSurfaces {
		if err := s.deps.Readiness.RequireDeps(s.deps.Registry.DepsForTool(req.Server)); err != nil {
			s.respondError(c, err)
			return
		}
	}

	res := s.deps.Gateway.Execute(c.Request.Context(), runner.GatewayRequest{
		Server: req.Server,
		Tool:   req.Tool,
		Args:   req.Arguments,
	})
	if !res.OK {
		c.JSON(http.StatusBadGateway, gin.H{"error_code": gatewayErrorCode(res.Error)})
		return
	}

	evidence := res.EvidenceCandidates
	if evidence == nil {
		evidence = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"result":              res.Result,
		"evidence_candidates": evidence,
	})
}

// gatewayErrorCode maps upstream gateway failures onto stable codes.
func gatewayErrorCode(gerr *runner.GatewayError) string {
	if gerr == nil {
		return models.CodeToolExecFailed
	}
	switch gerr.Code {
	case runner.GatewayErrTimeout:
		return models.CodeToolTimeout
	case runner.GatewayErrUnavailable:
		return models.CodeToolUnavailable
	default:
		return models.CodeToolExecFailed
	}
}
