package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/cutover"
	"github.com/replyops/ticketd/pkg/evidence"
	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/runner"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

type testHarness struct {
	server *Server
	store  *store.Store
	ready  *readiness.Registry
}

func newHarness(t *testing.T, opts ...func(*Deps)) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gate, err := schemagate.New(config.SchemaGateWarn, true)
	require.NoError(t, err)

	registry := config.DefaultToolRegistry()
	ready := readiness.NewRegistry(registry.AllRequiredDeps()...)
	for _, dep := range registry.AllRequiredDeps() {
		ready.MarkReady(dep)
	}

	st, err := store.Open("",
		store.WithGate(gate),
		store.WithToolRegistry(registry),
		store.WithRejectionRecorder(evidence.NewWriter(t.TempDir(), false)),
	)
	require.NoError(t, err)

	deps := Deps{
		Store:          st,
		Readiness:      ready,
		Registry:       registry,
		Cutover:        cutover.NewPolicy(0, true),
		CutoverMetrics: cutover.NewMetrics(),
		SchemaGate:     gate,
		Gateway:        runner.NoMcpGateway{},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testHarness{server: NewServer(":0", deps), store: st, ready: ready}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEventIngressCreatesTriageTicket(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/events", map[string]any{
		"type": "mention", "event_id": "ev-1", "content": "need help with export",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	ticketID, _ := body["ticket_id"].(string)
	require.NotEmpty(t, ticketID)

	created, err := h.store.Get(ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.KindTriage, created.Kind)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, "ev-1", created.Metadata.CandidateID)
	assert.Equal(t, "need help with export", created.Event.Content)
}

func TestEventIngressRejectsBadPayloads(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/events", map[string]any{"content": "no type"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLeaseBatchClaimsPendingTickets(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/v1/tickets/lease", map[string]any{
		"kind": "TRIAGE", "limit": 5, "lease_sec": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tickets, 2)
	for _, ticket := range body.Tickets {
		assert.Equal(t, models.StatusRunning, ticket.Status)
		assert.NotEmpty(t, ticket.Metadata.LeaseOwner)
		assert.NotEmpty(t, ticket.Metadata.LeaseToken)
	}
}

func TestLeaseBatchEmptyQueue(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tickets/lease", map[string]any{"kind": "REPLY"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tickets":[]}`, rec.Body.String())
}

func TestLeaseBatchToolGatedOnReadiness(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.GateToolSurfaces = true })
	h.ready.MarkUnavailable("memory", readiness.CodeUnavailable, "connection refused")

	rec := h.do(t, http.MethodPost, "/v1/tickets/lease", map[string]any{"kind": "TOOL"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, models.CodeMCPRequiredUnavailable, body["error_code"])
	assert.Equal(t, true, body["degraded"])
	assert.NotEmpty(t, body["missing_required"])
	assert.NotEmpty(t, body["as_of"])

	// TRIAGE leasing stays open while the tool layer is down.
	rec = h.do(t, http.MethodPost, "/v1/tickets/lease", map[string]any{"kind": "TRIAGE"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLeaseOneSingleWinner(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
	require.Equal(t, http.StatusOK, rec.Code)
	ticketID := decodeBody(t, rec)["ticket_id"].(string)

	const callers = 3
	results := make([]*httptest.ResponseRecorder, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.do(t, http.MethodPost, "/v1/tickets/"+ticketID+"/lease", map[string]any{
				"lease_sec": 60, "lease_owner": fmt.Sprintf("worker-%d", i),
			})
		}(i)
	}
	wg.Wait()

	var winnerOwner string
	wins, conflicts := 0, 0
	for i, res := range results {
		body := decodeBody(t, res)
		switch res.Code {
		case http.StatusOK:
			wins++
			winnerOwner = fmt.Sprintf("worker-%d", i)
			assert.Equal(t, "leased", body["status"])
		case http.StatusConflict:
			conflicts++
			assert.Equal(t, "rejected", body["status"])
			assert.Equal(t, models.CodeLeaseConflict, body["error_code"])
			assert.Equal(t, body["error_code"], body["stable_code"])
		default:
			t.Fatalf("unexpected status %d", res.Code)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, conflicts)

	stored, err := h.store.Get(ticketID)
	require.NoError(t, err)
	assert.Equal(t, winnerOwner, stored.Metadata.LeaseOwner)
}

func TestFillCompletesLeasedTicket(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
	ticketID := decodeBody(t, rec)["ticket_id"].(string)

	leased, err := h.store.LeaseOne(ticketID, 60, "worker-a")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/tickets/"+ticketID+"/fill", map[string]any{
		"outputs":     map[string]any{"decision": models.DecisionApprove},
		"by":          "worker-a",
		"lease_owner": leased.Metadata.LeaseOwner,
		"lease_token": leased.Metadata.LeaseToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var filled models.Ticket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filled))
	assert.Equal(t, models.StatusDone, filled.Status)
	assert.Equal(t, models.DecisionApprove, filled.Outputs.Decision)
}

func TestFillLeaseOwnerMismatch(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
	ticketID := decodeBody(t, rec)["ticket_id"].(string)

	leased, err := h.store.LeaseOne(ticketID, 60, "worker-a")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/tickets/"+ticketID+"/fill", map[string]any{
		"outputs":     map[string]any{"decision": models.DecisionApprove},
		"by":          "intruder",
		"lease_owner": "someone-else",
		"lease_token": leased.Metadata.LeaseToken,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, models.CodeLeaseOwnerMismatch, body["error_code"])
	assert.Equal(t, body["error_code"], body["stable_code"])
}

func TestFillUnknownToolRejectedWithEvidence(t *testing.T) {
	h := newHarness(t)

	created, err := h.store.Create(&models.Ticket{
		Kind:   models.KindTool,
		FlowID: models.FlowTool,
		Metadata: models.Metadata{
			Kind: models.KindTool,
			ToolInput: &models.ToolInput{ToolSteps: []models.ToolStep{
				{Server: "memory", Tool: "drop_all_nodes", Args: map[string]any{"query": "x"}},
			}},
		},
	}, schemagate.Internal)
	require.NoError(t, err)

	leased, err := h.store.LeaseOne(created.ID, 60, "worker-a")
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/v1/tickets/"+created.ID+"/fill", map[string]any{
		"outputs":     map[string]any{"tool_verdict": models.VerdictProceed},
		"by":          "worker-a",
		"lease_owner": leased.Metadata.LeaseOwner,
		"lease_token": leased.Metadata.LeaseToken,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, models.CodeUnknownToolFill, body["error_code"])
	assert.Equal(t, body["error_code"], body["stable_code"])
	assert.NotEmpty(t, body["evidence_run_id"])

	stored, err := h.store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, models.CodeUnknownToolFill, stored.Outputs.ErrorCode)
}

func TestGetTicketNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/tickets/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTicketsFiltersAndLimits(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/v1/tickets?status=pending&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tickets []models.Ticket `json:"tickets"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tickets, 2)
	assert.Equal(t, 2, body.Count)

	rec = h.do(t, http.MethodGet, "/v1/tickets?status=done", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tickets":[],"count":0}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/tickets?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTraceEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/events", map[string]any{"type": "mention"})
	ticketID := decodeBody(t, rec)["ticket_id"].(string)

	rec = h.do(t, http.MethodGet, "/v1/tickets/"+ticketID+"/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, ticketID, body["ticket_id"])
	trace, ok := body["trace"].([]any)
	require.True(t, ok, "trace must be an array, got %T", body["trace"])
	assert.Empty(t, trace)
}
