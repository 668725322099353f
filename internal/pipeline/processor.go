package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-marketplace-notifications/internal/gate"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/notify"
)

// NewProcessor routes each request through the recipient's gate. The gate
// records the outcome; a failed send is logged and acked, never retried.
func NewProcessor(
	registry *gate.Registry,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[GateRequest] {
	logger = logger.With("component", "GateProcessor")

	return func(ctx context.Context, original messagepipeline.Message, request *GateRequest) error {
		procLogger := logger.With(
			"recipient_id", request.Recipient.String(),
			"category", request.Payload.Category().String(),
			"pubsub_msg_id", original.ID,
		)

		result := registry.Get(ctx, request.Recipient).Send(ctx, request.Payload)
		switch result {
		case notify.Delivered:
			procLogger.Info("Notification delivered")
		case notify.Suppressed:
			procLogger.Info("Notification suppressed by user preference")
		default:
			procLogger.Warn("Notification failed")
		}
		return nil
	}
}
