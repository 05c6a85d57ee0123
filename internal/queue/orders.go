package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/validation"
)

// Attributor records conversions from order events.
type Attributor interface {
	AttributeConversion(ctx context.Context, evt models.OrderEvent) (models.AttributionResult, error)
}

// OrderEventHandler decodes order events and attributes them. Duplicates and
// self-referrals succeed so the broker stops redelivering; malformed or
// invalid events are permanent failures.
func OrderEventHandler(a Attributor, logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var evt models.OrderEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			return Permanent(fmt.Errorf("invalid order event payload: %w", err))
		}

		result, err := a.AttributeConversion(ctx, evt)
		if err != nil {
			if validation.IsValidationError(err) {
				return Permanent(err)
			}
			return err
		}

		logger.Info("order event processed",
			slog.String("order_id", evt.OrderID),
			slog.Bool("inserted", result.Inserted),
			slog.String("reason", result.Reason))
		return nil
	}
}
