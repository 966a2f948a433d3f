package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the availability and reservation lifecycle logic over a
// Store and the external payment collaborator.
type Service struct {
	store       Store
	payment     PaymentAuthorizer
	notifier    Notifier
	retryPolicy RetryPolicy
	nowFn       func() time.Time
	logger      OperationLogger
}

// NewService wires a Service.
func NewService(store Store, payment PaymentAuthorizer, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if payment == nil {
		return nil, fmt.Errorf("%w: payment dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:       store,
		payment:     payment,
		nowFn:       now,
		retryPolicy: DefaultPaymentRetryPolicy(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if err := service.retryPolicy.Validate(); err != nil {
		return nil, err
	}
	return service, nil
}

// Availability is the derived capacity answer for one (hotel, product, window).
type Availability struct {
	Available         bool
	TotalQuantity     Quantity
	AvailableQuantity Quantity
	Alternatives      []TimeWindow
}

// CheckAvailability derives the free unit count for a window. Availability is
// always computed from reservation status, never from a decrementing counter.
// A missing inventory row reports unavailable with zero alternatives: "no
// stock configured" is distinct from "fully booked".
func (service *Service) CheckAvailability(ctx context.Context, hotelID HotelID, productID ProductID, window TimeWindow) (Availability, error) {
	return service.availabilityIn(ctx, service.store, hotelID, productID, window)
}

func (service *Service) availabilityIn(ctx context.Context, store Store, hotelID HotelID, productID ProductID, window TimeWindow) (Availability, error) {
	item, err := store.GetInventoryItem(ctx, hotelID, productID)
	if errors.Is(err, ErrUnknownInventory) {
		return Availability{}, nil
	}
	if err != nil {
		return Availability{}, err
	}
	return service.availabilityForItem(ctx, store, item, window)
}

func (service *Service) availabilityForItem(ctx context.Context, store Store, item InventoryItem, window TimeWindow) (Availability, error) {
	blocked, err := store.CountBlocking(ctx, item.HotelID, item.ProductID, window)
	if err != nil {
		return Availability{}, err
	}
	availableQuantity := item.Quantity.Int() - blocked
	if availableQuantity < 0 {
		availableQuantity = 0
	}
	availability := Availability{
		Available:         item.Active && availableQuantity > 0,
		TotalQuantity:     item.Quantity,
		AvailableQuantity: Quantity(availableQuantity),
	}
	if !availability.Available && item.Active && item.Quantity > 0 {
		alternatives, err := service.alternativeWindows(ctx, store, item, window)
		if err != nil {
			return Availability{}, err
		}
		availability.Alternatives = alternatives
	}
	return availability, nil
}

// alternativeWindows proposes same-duration windows shifted forward in whole
// days. The first shifted day is always proposed; later days are added only
// when the batch overlap count shows them free.
func (service *Service) alternativeWindows(ctx context.Context, store Store, item InventoryItem, window TimeWindow) ([]TimeWindow, error) {
	candidates := make([]TimeWindow, 0, alternativeSearchDays)
	for day := 1; day <= alternativeSearchDays; day++ {
		candidates = append(candidates, window.ShiftDays(day))
	}
	counts, err := store.CountBlockingBatch(ctx, item.HotelID, item.ProductID, candidates)
	if err != nil {
		return nil, err
	}
	alternatives := []TimeWindow{candidates[0]}
	for index := 1; index < len(candidates); index++ {
		if counts[index] < item.Quantity.Int() {
			alternatives = append(alternatives, candidates[index])
		}
	}
	return alternatives, nil
}

// SetProduct creates or updates a catalog product. Edits never retroactively
// change existing reservations; price and deposit were copied by value.
func (service *Service) SetProduct(ctx context.Context, product Product) error {
	return service.store.UpsertProduct(ctx, product)
}

// GetProduct returns a catalog product.
func (service *Service) GetProduct(ctx context.Context, productID ProductID) (Product, error) {
	return service.store.GetProduct(ctx, productID)
}

// SetInventory creates or updates the capacity ceiling for a (hotel, product)
// pair. Negative quantities are rejected by the Quantity constructor before
// this call; the store never sees one.
func (service *Service) SetInventory(ctx context.Context, item InventoryItem) error {
	return service.store.UpsertInventoryItem(ctx, item)
}

// GetInventory returns the inventory row for a pair.
func (service *Service) GetInventory(ctx context.Context, hotelID HotelID, productID ProductID) (InventoryItem, error) {
	return service.store.GetInventoryItem(ctx, hotelID, productID)
}

// SetDiscountCode creates or updates a discount code.
func (service *Service) SetDiscountCode(ctx context.Context, code DiscountCode) error {
	return service.store.UpsertDiscountCode(ctx, code)
}

// GetReservation returns a reservation by id.
func (service *Service) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	return service.store.GetReservation(ctx, reservationID)
}

// GetReservationByCode returns a reservation by its human-readable code.
func (service *Service) GetReservationByCode(ctx context.Context, code ReservationCode) (Reservation, error) {
	return service.store.GetReservationByCode(ctx, code)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
