package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChangeStatus applies an admin-driven transition through the allowed table.
// The conditional store update is keyed on the observed status, so two
// concurrent admin actions cannot both succeed from the same source state.
// Cancellation needs no release bookkeeping: the overlap count derives live
// from status, so a committed CANCELLED row stops blocking immediately.
func (service *Service) ChangeStatus(ctx context.Context, reservationID ReservationID, to ReservationStatus) (Reservation, error) {
	reservation, operationError := service.changeStatus(ctx, reservationID, to)
	service.logOperation(ctx, OperationLog{
		Operation:     operationTransition,
		ReservationID: reservationID,
		FromStatus:    reservation.Status,
		ToStatus:      to,
		Error:         operationError,
	})
	return reservation, operationError
}

func (service *Service) changeStatus(ctx context.Context, reservationID ReservationID, to ReservationStatus) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if to == StatusDamaged {
		// DAMAGED always carries a fee; it enters through ReportDamage.
		return reservation, ErrDamageFeeRequired
	}
	if err := ValidateTransition(reservation.Status, to); err != nil {
		return reservation, err
	}
	if err := service.store.UpdateReservationStatus(ctx, reservationID, reservation.Status, to); err != nil {
		return reservation, err
	}
	reservation.Status = to
	return reservation, nil
}

// ReportDamage enters DAMAGED with a fee bounded by the deposit. The engine
// records the deposit-debit intent and amount; the actual debit is an
// external side effect.
func (service *Service) ReportDamage(ctx context.Context, reservationID ReservationID, feeCents AmountCents) (Reservation, error) {
	reservation, operationError := service.reportDamage(ctx, reservationID, feeCents)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDamage,
		ReservationID: reservationID,
		ToStatus:      StatusDamaged,
		AmountCents:   feeCents,
		Error:         operationError,
	})
	return reservation, operationError
}

func (service *Service) reportDamage(ctx context.Context, reservationID ReservationID, feeCents AmountCents) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if err := ValidateTransition(reservation.Status, StatusDamaged); err != nil {
		return reservation, err
	}
	if err := ValidateDamageFee(feeCents, reservation.DepositCents); err != nil {
		return reservation, err
	}
	if err := service.store.UpdateReservationDamage(ctx, reservationID, reservation.Status, feeCents); err != nil {
		return reservation, err
	}
	reservation.Status = StatusDamaged
	reservation.DamageFeeCents = feeCents
	return reservation, nil
}

// ExpireStale cancels PENDING reservations older than ttl so abandoned
// checkouts stop holding capacity. The sweep is opt-in; without it the
// engine keeps the historical no-auto-expiry behavior.
func (service *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: ttl must be positive", ErrInvalidServiceConfig)
	}
	cutoff := service.nowFn().UTC().Add(-ttl).Unix()
	staleIDs, err := service.store.ListStalePending(ctx, cutoff, defaultStaleScanLimit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, reservationID := range staleIDs {
		err := service.store.UpdateReservationStatus(ctx, reservationID, StatusPending, StatusCancelled)
		if errors.Is(err, ErrStatusConflict) {
			// Confirmed or cancelled since the scan; nothing to expire.
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		service.logOperation(ctx, OperationLog{
			Operation:     operationExpire,
			ReservationID: reservationID,
			FromStatus:    StatusPending,
			ToStatus:      StatusCancelled,
		})
	}
	return expired, nil
}
