package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
	"github.com/hooklock/hooklock/internal/metrics"
	"github.com/hooklock/hooklock/internal/signature"
	"github.com/hooklock/hooklock/internal/usecase"
)

const signatureHeader = "X-Webhook-Signature"

// envelope is the minimal shape every sender's payload must carry. The full
// body is passed through to the handler untouched.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// WebhookHandler receives webhook deliveries and runs them through the
// dedup pipeline. Every outcome, including duplicates, yields a fast
// idempotent response; only infrastructure failure returns a retryable
// status to the sender.
type WebhookHandler struct {
	processUC *usecase.ProcessEventUsecase
	verifier  signature.Verifier
	secret    string // empty disables verification
	logger    *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(processUC *usecase.ProcessEventUsecase, verifier signature.Verifier, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		processUC: processUC,
		verifier:  verifier,
		secret:    secret,
		logger:    logger,
	}
}

// Receive handles POST /api/v1/webhooks/:source
func (h *WebhookHandler) Receive(c *gin.Context) {
	source := c.Param("source")

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	// Authentication runs before any lock work so unauthenticated payloads
	// never consume a lock slot or pollute retry counters.
	if h.secret != "" {
		if err := h.verifier.Verify(body, c.GetHeader(signatureHeader), h.secret); err != nil {
			metrics.SignatureFailures.Inc()
			h.logger.Warn("Rejected webhook signature",
				zap.String("source", source),
				zap.Error(err),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Payload must carry an event id"})
		return
	}

	evt := &domain.InboundEvent{
		ID:            env.ID,
		Type:          env.Type,
		Source:        source,
		CorrelationID: c.GetString("request_id"),
		Payload:       body,
	}

	outcome, err := h.processUC.Execute(c.Request.Context(), evt)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrStoreUnavailable):
			// Lock state unknown; fail the request so the sender redelivers.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		case outcome.Status == "failed" && outcome.RetryScheduled:
			// Recorded and rescheduled internally; the sender is done.
			c.JSON(http.StatusOK, gin.H{
				"event_id": evt.ID,
				"status":   outcome.Status,
				"retry":    "scheduled",
			})
		case outcome.Status == "failed":
			// No retry topic; lean on the sender's redelivery schedule.
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Event processing failed"})
		default:
			h.logger.Error("Webhook processing failed", zap.String("event_id", evt.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}

	resp := gin.H{
		"event_id": evt.ID,
		"status":   outcome.Status,
	}
	if outcome.Status == "duplicate" {
		resp["reason"] = string(outcome.DenyReason)
		if outcome.Record != nil {
			resp["record_status"] = string(outcome.Record.Status)
		}
	}
	c.JSON(http.StatusOK, resp)
}
