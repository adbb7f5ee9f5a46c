package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HTTPGateway executes tools through an external bridge that fronts the
// tool servers. One POST per call; upstream failures come back as
// structured results, transport failures map onto the gateway error
// codes.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client for the bridge at baseURL.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayCallRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type gatewayCallResponse struct {
	OK                 bool             `json:"ok"`
	Result             map[string]any   `json:"result,omitempty"`
	EvidenceCandidates []map[string]any `json:"evidence_candidates,omitempty"`
	Error              *GatewayError    `json:"error,omitempty"`
}

// Execute implements Gateway.
func (g *HTTPGateway) Execute(ctx context.Context, req GatewayRequest) GatewayResult {
	payload, err := json.Marshal(gatewayCallRequest{Server: req.Server, Tool: req.Tool, Arguments: req.Args})
	if err != nil {
		return transportFailure(GatewayErrUnavailable, fmt.Sprintf("encode request for %s", req.ToolName()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return transportFailure(GatewayErrUnavailable, fmt.Sprintf("build request for %s", req.ToolName()))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		code := GatewayErrUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
			errors.Is(err, context.Canceled) {
			code = GatewayErrTimeout
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = GatewayErrTimeout
		}
		return transportFailure(code, fmt.Sprintf("call %s: bridge unreachable", req.ToolName()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		code := GatewayErrUnavailable
		if resp.StatusCode == http.StatusGatewayTimeout {
			code = GatewayErrTimeout
		}
		return transportFailure(code, fmt.Sprintf("call %s: bridge returned %d", req.ToolName(), resp.StatusCode))
	}

	var body gatewayCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return transportFailure(GatewayErrUnavailable, fmt.Sprintf("call %s: malformed bridge response", req.ToolName()))
	}
	return GatewayResult{
		OK:                 body.OK,
		Result:             body.Result,
		EvidenceCandidates: body.EvidenceCandidates,
		Error:              body.Error,
	}
}

func transportFailure(code, message string) GatewayResult {
	return GatewayResult{OK: false, Error: &GatewayError{Code: code, Message: message}}
}
