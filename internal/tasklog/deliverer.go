package tasklog

import (
	"context"

	"go.uber.org/zap"

	"tunesmith/internal/delivery"
)

// RecordingDeliverer logs every outgoing callback before forwarding it.
// Logging errors never block delivery.
type RecordingDeliverer struct {
	next   delivery.Deliverer
	log    *Log
	logger *zap.Logger
}

// NewRecordingDeliverer wraps next so each delivered callback also lands
// in the interaction log.
func NewRecordingDeliverer(next delivery.Deliverer, log *Log, logger *zap.Logger) *RecordingDeliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingDeliverer{next: next, log: log, logger: logger}
}

// Deliver records the exchange, then forwards the callback.
func (r *RecordingDeliverer) Deliver(ctx context.Context, cb delivery.Callback) error {
	if err := r.log.RecordInteraction(ctx, cb.SessionID, cb.UserText, cb.Recommendation, cb.Intent.Intent); err != nil {
		r.logger.Warn("failed to record interaction",
			zap.String("session_id", cb.SessionID),
			zap.Error(err))
	}
	return r.next.Deliver(ctx, cb)
}
