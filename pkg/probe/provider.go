// Package probe runs the fixed startup checks against a tool provider
// and reports pass/fail with bounded evidence.
package probe

import (
	"context"
	"fmt"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/runner"
)

// Probe names, in execution order.
const (
	ProbeSecurity = "security"
	ProbeAccess   = "access"
	ProbeSearch   = "search"
	ProbeMemory   = "memory"
)

// Order is the fixed probe execution order.
var Order = []string{ProbeSecurity, ProbeAccess, ProbeSearch, ProbeMemory}

// Response is a provider's answer to one probe.
type Response struct {
	OK       bool
	Code     string
	Detail   string
	Evidence []map[string]any
}

// Provider answers startup probes. NoMcp and the gateway-backed provider
// both satisfy it.
type Provider interface {
	Probe(ctx context.Context, name string) Response
}

// NoMcpProvider is the degraded-mode provider: every probe reports the
// tool layer unavailable, which the runner treats as a graceful pass.
type NoMcpProvider struct{}

// Probe implements Provider.
func (NoMcpProvider) Probe(_ context.Context, name string) Response {
	return Response{
		OK:     false,
		Code:   models.CodeProviderUnavailableNoMCP,
		Detail: fmt.Sprintf("no tool provider configured (NO_MCP): probe %s", name),
	}
}

// probeCalls maps probe names onto the gateway calls that exercise them.
// The security probe asks for something the provider must refuse.
var probeCalls = map[string]runner.GatewayRequest{
	ProbeSecurity: {Server: "filesystem", Tool: "read_file", Args: map[string]any{"path": "/etc/shadow"}},
	ProbeAccess:   {Server: "filesystem", Tool: "read_file", Args: map[string]any{"path": "probe/access.txt"}},
	ProbeSearch:   {Server: "web_search", Tool: "search", Args: map[string]any{"query": "startup probe"}},
	ProbeMemory:   {Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "startup probe"}},
}

// GatewayProvider answers probes through the tool gateway.
type GatewayProvider struct {
	Gateway runner.Gateway
}

// Probe implements Provider.
func (p *GatewayProvider) Probe(ctx context.Context, name string) Response {
	req, ok := probeCalls[name]
	if !ok {
		return Response{OK: false, Code: models.CodeProviderNotImplemented,
			Detail: fmt.Sprintf("no probe call defined for %s", name)}
	}

	res := p.Gateway.Execute(ctx, req)
	if res.OK {
		return Response{OK: true, Evidence: res.EvidenceCandidates}
	}

	code := models.CodeProviderCallFailed
	detail := ""
	if res.Error != nil {
		detail = res.Error.Message
		switch res.Error.Code {
		case runner.GatewayErrUnavailable:
			code = models.CodeProviderUnavailableNoMCP
		case runner.GatewayErrTimeout:
			code = models.CodeProbeTimeout
		case "access_denied":
			code = models.CodeProbeAccessDenied
		case "forbidden":
			code = models.CodeProbeForbidden
		case "not_found":
			code = models.CodeProbeNotFound
		}
	}
	return Response{OK: false, Code: code, Detail: detail}
}
