package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogGateway accepts every message and logs it. It stands in for a real
// provider in examples and local runs.
type LogGateway struct{}

func (LogGateway) Dispatch(_ context.Context, msg Message) (string, error) {
	externalID := uuid.NewString()
	slog.Info("notification dispatched",
		"channel", msg.Channel,
		"address", msg.Address,
		"subject", msg.Subject,
		"correlation_id", msg.CorrelationID,
		"external_id", externalID,
	)
	return externalID, nil
}
