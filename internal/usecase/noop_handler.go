package usecase

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hooklock/hooklock/internal/domain"
)

var _ Handler = (*NoopHandler)(nil)

// NoopHandler acknowledges every event without business effects. Default
// wiring for deployments that only want dedup bookkeeping, and a convenient
// stand-in while integrating real handlers.
type NoopHandler struct {
	Logger *zap.Logger
}

func (h *NoopHandler) Handle(ctx context.Context, evt *domain.InboundEvent) (json.RawMessage, error) {
	if h.Logger != nil {
		h.Logger.Info("Event acknowledged without business effect",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
		)
	}
	return json.RawMessage(`{"acknowledged":true}`), nil
}
