package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

type leaseBatchRequest struct {
	Kind         models.Kind `json:"kind"`
	Limit        int         `json:"limit"`
	LeaseSec     int         `json:"lease_sec"`
	Capabilities []string    `json:"capabilities"`
}

type leaseOneRequest struct {
	LeaseSec   int    `json:"lease_sec"`
	LeaseOwner string `json:"lease_owner"`
}

type fillRequest struct {
	Outputs    models.Outputs `json:"outputs"`
	By         string         `json:"by"`
	LeaseOwner string         `json:"lease_owner"`
	LeaseToken string         `json:"lease_token"`
}

// handleEventIngress accepts a social-media event and creates a pending
// TRIAGE ticket for it.
func (s *Server) handleEventIngress(c *gin.Context) {
	var ev models.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}
	if ev.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event type is required"})
		return
	}

	candidateID := ev.EventID
	if candidateID == "" {
		candidateID = uuid.NewString()
	}

	created, err := s.deps.Store.Create(store.NewTriageTicket(&ev, candidateID, s.now()), schemagate.Ingress)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": created.ID})
}

// handleLeaseBatch claims a batch of pending tickets for an external
// worker. TOOL leasing is refused with 503 while required dependencies
// are down and the hard gate is on.
func (s *Server) handleLeaseBatch(c *gin.Context) {
	var req leaseBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lease request"})
		return
	}

	if s.deps.GateToolSurfaces && req.Kind == models.KindTool {
		if err := s.deps.Readiness.RequireDeps(s.deps.Registry.AllRequiredDeps()); err != nil {
			s.respondError(c, err)
			return
		}
	}

	tickets, err := s.deps.Store.Lease(store.LeaseRequest{
		Kind:         req.Kind,
		Limit:        req.Limit,
		LeaseSec:     req.LeaseSec,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	if tickets == nil {
		tickets = []*models.Ticket{}
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

// handleLeaseOne claims one specific pending ticket. Exactly one of any
// set of concurrent callers wins; the rest get 409 lease_conflict.
func (s *Server) handleLeaseOne(c *gin.Context) {
	var req leaseOneRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lease request"})
		return
	}

	ticket, err := s.deps.Store.LeaseOne(c.Param("id"), req.LeaseSec, req.LeaseOwner)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "leased", "ticket": ticket})
}

// handleFill completes a running ticket under its lease.
func (s *Server) handleFill(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fill payload"})
		return
	}

	ticket, err := s.deps.Store.Fill(store.FillRequest{
		TicketID:   c.Param("id"),
		Outputs:    req.Outputs,
		By:         req.By,
		LeaseOwner: req.LeaseOwner,
		LeaseToken: req.LeaseToken,
		Direction:  schemagate.Ingress,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) handleGetTicket(c *gin.Context) {
	ticket, err := s.deps.Store.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) handleListTickets(c *gin.Context) {
	tickets := s.deps.Store.List(store.Filter{
		Kind:   models.Kind(c.Query("kind")),
		Status: models.Status(c.Query("status")),
	})

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if limit > 0 && len(tickets) > limit {
			tickets = tickets[:limit]
		}
	}
	if tickets == nil {
		tickets = []*models.Ticket{}
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "count": len(tickets)})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	ticket, err := s.deps.Store.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	trace := ticket.Trace
	if trace == nil {
		trace = []models.AttemptEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": ticket.ID, "trace": trace})
}
