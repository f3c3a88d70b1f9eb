package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/lock"
)

// EventHandler exposes read-only record inspection.
type EventHandler struct {
	coord  *lock.Coordinator
	logger *zap.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(coord *lock.Coordinator, logger *zap.Logger) *EventHandler {
	return &EventHandler{coord: coord, logger: logger}
}

// GetByID handles GET /api/v1/events/:id
func (h *EventHandler) GetByID(c *gin.Context) {
	id := c.Param("id")

	rec, err := h.coord.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			return
		}
		h.logger.Error("Get event record failed", zap.Error(err), zap.String("event_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}
