package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CheckoutRequest is a validated checkout intent.
type CheckoutRequest struct {
	UserEmail     EmailAddress
	ProductID     ProductID
	PickupHotelID HotelID
	DropHotelID   HotelID
	Window        TimeWindow
	DiscountCode  string
	Metadata      MetadataJSON
}

// CheckoutResult references the created reservation and the client-side
// payment secrets needed to finish setting up the payment method.
type CheckoutResult struct {
	ReservationID     ReservationID
	Code              ReservationCode
	PaymentIntentRef  string
	ClientSecret      string
	SetupIntentRef    string
	SetupIntentSecret string
}

// Checkout runs the two-phase booking flow: the capacity decision and the
// PENDING insert commit atomically under the inventory row lock, then the
// deposit authorization runs against the external authority. Authorization
// failure compensates by cancelling the reservation; success leaves it
// PENDING until Confirm flips it.
func (service *Service) Checkout(ctx context.Context, request CheckoutRequest) (CheckoutResult, error) {
	result, operationError := service.checkout(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCheckout,
		ReservationID: result.ReservationID,
		HotelID:       request.PickupHotelID,
		ProductID:     request.ProductID,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) checkout(ctx context.Context, request CheckoutRequest) (CheckoutResult, error) {
	if err := validateCheckoutRequest(request); err != nil {
		return CheckoutResult{}, err
	}

	reservation, err := service.reserveSlot(ctx, request)
	if err != nil {
		return CheckoutResult{}, err
	}

	authorization, err := service.authorizeDeposit(ctx, reservation)
	if err != nil {
		service.compensateCancel(ctx, reservation.ID)
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrUpstreamPayment, err)
	}
	if err := service.store.SetPaymentRefs(ctx, reservation.ID, authorization.IntentRef, authorization.SetupIntentRef); err != nil {
		service.compensateCancel(ctx, reservation.ID)
		return CheckoutResult{}, err
	}

	return CheckoutResult{
		ReservationID:     reservation.ID,
		Code:              reservation.Code,
		PaymentIntentRef:  authorization.IntentRef,
		ClientSecret:      authorization.ClientSecret,
		SetupIntentRef:    authorization.SetupIntentRef,
		SetupIntentSecret: authorization.SetupIntentSecret,
	}, nil
}

// reserveSlot is the atomic availability-and-insert step. The transaction
// first takes the inventory row lock for the (hotel, product) pair, then
// recounts blocking overlaps under that lock, so two concurrent checkouts
// for the same window cannot both observe free capacity.
func (service *Service) reserveSlot(ctx context.Context, request CheckoutRequest) (Reservation, error) {
	var reservation Reservation
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		item, err := txStore.GetInventoryItemForUpdate(ctx, request.PickupHotelID, request.ProductID)
		if errors.Is(err, ErrUnknownInventory) {
			return &UnavailableError{}
		}
		if err != nil {
			return err
		}
		availability, err := service.availabilityForItem(ctx, txStore, item, request.Window)
		if err != nil {
			return err
		}
		if !availability.Available {
			return &UnavailableError{Alternatives: availability.Alternatives}
		}

		product, err := txStore.GetProduct(ctx, request.ProductID)
		if err != nil {
			return err
		}
		quote, err := PriceQuote(product, request.Window)
		if err != nil {
			return err
		}
		discountCode, err := lookupDiscountCode(ctx, txStore, request.DiscountCode)
		if err != nil {
			return err
		}
		// Exactly one code evaluation per checkout: the outcome is frozen
		// onto the reservation and never recomputed on retries.
		outcome := ApplyDiscount(quote.BaseCents, discountCode)

		reservation = Reservation{
			ID:             newReservationID(),
			Code:           newHumanCode(),
			ProductID:      request.ProductID,
			PickupHotelID:  request.PickupHotelID,
			DropHotelID:    request.DropHotelID,
			UserEmail:      request.UserEmail,
			Window:         request.Window,
			Status:         StatusPending,
			PriceCents:     outcome.FinalCents,
			DepositCents:   product.DepositCents,
			PricingType:    quote.PricingType,
			RevenueShare:   outcome.RevenueShare,
			Metadata:       request.Metadata,
			CreatedUnixUTC: service.nowFn().UTC().Unix(),
		}
		if outcome.CodeApplied {
			reservation.DiscountCode = discountCode.Code
		}
		return txStore.InsertReservation(ctx, reservation)
	})
	if err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

func (service *Service) authorizeDeposit(ctx context.Context, reservation Reservation) (PaymentAuthorization, error) {
	var authorization PaymentAuthorization
	err := service.retryPolicy.Do(ctx, func(ctx context.Context) error {
		attempt, err := service.payment.Authorize(ctx, reservation.DepositCents, map[string]string{
			"reservation_id":   reservation.ID.String(),
			"reservation_code": reservation.Code.String(),
		})
		if err != nil {
			return err
		}
		authorization = attempt
		return nil
	})
	return authorization, err
}

// compensateCancel moves a freshly created reservation out of PENDING after a
// later checkout phase failed, so no orphaned PENDING row keeps consuming
// capacity. A conflicting concurrent transition wins; that is fine, the row
// is no longer PENDING either way.
func (service *Service) compensateCancel(ctx context.Context, reservationID ReservationID) {
	err := service.store.UpdateReservationStatus(ctx, reservationID, StatusPending, StatusCancelled)
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		service.logOperation(ctx, OperationLog{
			Operation:     operationCheckout,
			ReservationID: reservationID,
			FromStatus:    StatusPending,
			ToStatus:      StatusCancelled,
			Error:         err,
		})
	}
}

// Confirm is the explicit second checkout phase: once the payment method is
// fully set up upstream, the reservation flips PENDING -> CONFIRMED and the
// notification collaborator fires.
func (service *Service) Confirm(ctx context.Context, reservationID ReservationID, paymentIntentRef string, setupIntentRef string) (Reservation, error) {
	reservation, operationError := service.confirm(ctx, reservationID, paymentIntentRef, setupIntentRef)
	service.logOperation(ctx, OperationLog{
		Operation:     operationConfirm,
		ReservationID: reservationID,
		FromStatus:    StatusPending,
		ToStatus:      StatusConfirmed,
		Error:         operationError,
	})
	return reservation, operationError
}

func (service *Service) confirm(ctx context.Context, reservationID ReservationID, paymentIntentRef string, setupIntentRef string) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.PaymentIntentRef != paymentIntentRef || reservation.SetupIntentRef != setupIntentRef {
		return Reservation{}, ErrPaymentRefMismatch
	}
	if reservation.Status != StatusPending {
		return Reservation{}, &TransitionError{From: reservation.Status, To: StatusConfirmed}
	}
	paymentState, err := service.payment.RetrieveStatus(ctx, paymentIntentRef)
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUpstreamPayment, err)
	}
	if paymentState != PaymentStatusRequiresCapture {
		return Reservation{}, fmt.Errorf("%w: %s", ErrPaymentNotReady, paymentState)
	}
	if err := service.store.UpdateReservationStatus(ctx, reservationID, StatusPending, StatusConfirmed); err != nil {
		return Reservation{}, err
	}
	reservation.Status = StatusConfirmed
	service.notifyConfirmed(ctx, reservation)
	return reservation, nil
}

func (service *Service) notifyConfirmed(ctx context.Context, reservation Reservation) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.ReservationConfirmed(ctx, reservation); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationNotify,
			ReservationID: reservation.ID,
			ToStatus:      reservation.Status,
			Error:         err,
		})
	}
}

func lookupDiscountCode(ctx context.Context, store Store, rawCode string) (*DiscountCode, error) {
	trimmed := strings.TrimSpace(rawCode)
	if trimmed == "" {
		return nil, nil
	}
	code, err := store.GetDiscountCode(ctx, trimmed)
	if errors.Is(err, ErrUnknownDiscountCode) {
		// An unknown code prices like an absent one.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func validateCheckoutRequest(request CheckoutRequest) error {
	if request.UserEmail.String() == "" {
		return fmt.Errorf("%w: user email is required", ErrInvalidEmailAddress)
	}
	if request.ProductID.String() == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidProductID)
	}
	if request.PickupHotelID.String() == "" || request.DropHotelID.String() == "" {
		return fmt.Errorf("%w: pickup and drop hotels are required", ErrInvalidHotelID)
	}
	if request.Window.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidTimeWindow)
	}
	return nil
}

func newReservationID() ReservationID {
	return ReservationID{value: uuid.NewString()}
}

func newHumanCode() ReservationCode {
	compact := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return ReservationCode{value: "R-" + compact[:10]}
}
