// Package notify delivers post-confirmation notifications.
package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	"go.uber.org/zap"
)

// LogNotifier records confirmations in the structured log. It stands in for
// an email or calendar integration during local runs.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that logs each confirmation.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) ReservationConfirmed(_ context.Context, reservation booking.Reservation) error {
	notifier.logger.Info("reservation confirmed",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("code", reservation.Code.String()),
		zap.String("user_email", reservation.UserEmail.String()),
		zap.String("product_id", reservation.ProductID.String()),
		zap.Int64("price_cents", reservation.PriceCents.Int64()),
	)
	return nil
}
