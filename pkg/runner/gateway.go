// Package runner executes a TOOL ticket's validated tool steps through a
// pluggable Gateway and produces the versioned RunReport artifact.
package runner

import (
	"context"
	"fmt"
)

// Upstream gateway error codes. These are the only strings the core
// interprets; everything else maps to TOOL_EXEC_FAILED at exactly one
// site (mapGatewayCode).
const (
	GatewayErrTimeout     = "timeout"
	GatewayErrUnavailable = "unavailable"
)

// GatewayRequest is a single tool invocation.
type GatewayRequest struct {
	Server string
	Tool   string
	Args   map[string]any
}

// ToolName returns the canonical server.tool form.
func (r GatewayRequest) ToolName() string {
	return fmt.Sprintf("%s.%s", r.Server, r.Tool)
}

// GatewayError is a structured upstream failure.
type GatewayError struct {
	Code    string
	Message string
}

// GatewayResult is the outcome of one gateway call. Upstream failures
// are results, not Go errors (the transport convention the tool servers
// follow).
type GatewayResult struct {
	OK                 bool
	Result             map[string]any
	EvidenceCandidates []map[string]any
	Error              *GatewayError
}

// Gateway abstracts the tool-server transport. The core never sees the
// concrete wiring behind it.
type Gateway interface {
	Execute(ctx context.Context, req GatewayRequest) GatewayResult
}

// NoMcpGateway is the degraded-mode gateway selected by NO_MCP: every
// call reports the tool layer unavailable.
type NoMcpGateway struct{}

// Execute implements Gateway.
func (NoMcpGateway) Execute(_ context.Context, req GatewayRequest) GatewayResult {
	return GatewayResult{
		OK: false,
		Error: &GatewayError{
			Code:    GatewayErrUnavailable,
			Message: fmt.Sprintf("no tool provider configured (NO_MCP): %s", req.ToolName()),
		},
	}
}
