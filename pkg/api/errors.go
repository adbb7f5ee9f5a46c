package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/replyops/ticketd/pkg/models"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/store"
)

// respondError is the single mapping site from service errors to HTTP
// responses. Bodies carry only stable codes and structured detail;
// internal error text never reaches a client.
func (s *Server) respondError(c *gin.Context, err error) {
	var schemaErr *store.SchemaRejectionError
	var fillErr *store.FillRejectionError
	var readyErr *readiness.RequiredUnavailableError

	switch {
	case errors.As(err, &schemaErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code": models.CodeSchemaValidationFailed,
			"boundary":   schemaErr.Boundary,
			"warn_count": schemaErr.Result.WarnCount,
			"warn_codes": schemaErr.Result.WarnCodes,
			"errors":     schemaErr.Result.Errors,
		})
	case errors.As(err, &fillErr):
		c.JSON(http.StatusConflict, gin.H{
			"status":          "rejected",
			"error_code":      fillErr.Code,
			"stable_code":     fillErr.Code,
			"evidence_run_id": fillErr.EvidenceRunID,
		})
	case errors.As(err, &readyErr):
		snap := s.deps.Readiness.Snapshot()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error_code":       models.CodeMCPRequiredUnavailable,
			"missing_required": readyErr.Missing,
			"degraded":         true,
			"as_of":            snap.AsOf,
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
	case errors.Is(err, store.ErrLeaseConflict):
		c.JSON(http.StatusConflict, gin.H{
			"status":      "rejected",
			"error_code":  models.CodeLeaseConflict,
			"stable_code": models.CodeLeaseConflict,
		})
	case errors.Is(err, store.ErrLeaseOwnerMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"status":      "rejected",
			"error_code":  models.CodeLeaseOwnerMismatch,
			"stable_code": models.CodeLeaseOwnerMismatch,
		})
	case errors.Is(err, store.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "ticket already terminal"})
	default:
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
