package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewayRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/execute", r.URL.Path)

		var req gatewayCallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "memory", req.Server)
		assert.Equal(t, "search_nodes", req.Tool)

		json.NewEncoder(w).Encode(gatewayCallResponse{
			OK:                 true,
			Result:             map[string]any{"summary": "found 2 nodes"},
			EvidenceCandidates: []map[string]any{{"kind": "node", "ref": "n1"}},
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, time.Second)
	res := gw.Execute(context.Background(), GatewayRequest{
		Server: "memory", Tool: "search_nodes", Args: map[string]any{"query": "q"},
	})

	require.True(t, res.OK)
	assert.Equal(t, "found 2 nodes", res.Result["summary"])
	require.Len(t, res.EvidenceCandidates, 1)
}

func TestHTTPGatewayUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(gatewayCallResponse{
			OK:    false,
			Error: &GatewayError{Code: "timeout", Message: "tool server timed out"},
		})
	}))
	defer srv.Close()

	res := NewHTTPGateway(srv.URL, time.Second).Execute(context.Background(), GatewayRequest{
		Server: "web_search", Tool: "search",
	})

	require.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, GatewayErrTimeout, res.Error.Code)
}

func TestHTTPGatewayBridgeDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	res := NewHTTPGateway(srv.URL, time.Second).Execute(context.Background(), GatewayRequest{
		Server: "memory", Tool: "search_nodes",
	})

	require.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, GatewayErrUnavailable, res.Error.Code)
}

func TestHTTPGatewayNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res := NewHTTPGateway(srv.URL, time.Second).Execute(context.Background(), GatewayRequest{
		Server: "memory", Tool: "search_nodes",
	})

	require.False(t, res.OK)
	assert.Equal(t, GatewayErrUnavailable, res.Error.Code)
}
