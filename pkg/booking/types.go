package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in minor units.
type AmountCents int64

// Quantity is a non-negative unit count for an inventory row.
type Quantity int

// HotelID identifies a partner hotel.
type HotelID struct {
	value string
}

// ProductID identifies a rentable product.
type ProductID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// ReservationCode is the human-readable reservation token.
type ReservationCode struct {
	value string
}

// EmailAddress identifies the reserving customer.
type EmailAddress struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TimeWindow is a half-open interval [start, end).
type TimeWindow struct {
	start time.Time
	end   time.Time
}

// ReservationStatus defines the reservation lifecycle vocabulary.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "PENDING"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCompleted ReservationStatus = "COMPLETED"
	StatusNoShow    ReservationStatus = "NO_SHOW"
	StatusDamaged   ReservationStatus = "DAMAGED"
	StatusCancelled ReservationStatus = "CANCELLED"
)

// DisplayStatus is the simplified five-value vocabulary shown to operators.
type DisplayStatus string

const (
	DisplayReserved DisplayStatus = "RESERVED"
	DisplayActive   DisplayStatus = "ACTIVE"
	DisplayDone     DisplayStatus = "DONE"
	DisplayStolen   DisplayStatus = "STOLEN"
	DisplayDamaged  DisplayStatus = "DAMAGED"
)

// PricingType records which tier priced a reservation.
type PricingType string

const (
	PricingHourly PricingType = "HOURLY"
	PricingDaily  PricingType = "DAILY"
)

// RevenueShare records the platform/hotel split frozen onto a reservation.
type RevenueShare string

const (
	SharePlatform70 RevenueShare = "PLATFORM_70"
	ShareHotel70    RevenueShare = "HOTEL_70"
)

// Product is the priced catalog item referenced by reservations.
type Product struct {
	ProductID        ProductID
	Name             string
	HourlyPriceCents AmountCents
	DailyPriceCents  AmountCents
	DepositCents     AmountCents
}

// InventoryItem is the per-(hotel, product) capacity ceiling.
// Quantity is the ceiling of concurrently outstanding units; current usage
// is always derived from reservation status, never stored.
type InventoryItem struct {
	HotelID   HotelID
	ProductID ProductID
	Quantity  Quantity
	Active    bool
}

// DiscountCode is a read-only pricing input at checkout time.
type DiscountCode struct {
	Code    string
	HotelID HotelID
	Kind    RevenueShare
	Active  bool
}

// Reservation is the persisted lifecycle record. It is created PENDING by
// checkout and mutated only through status transitions thereafter.
type Reservation struct {
	ID               ReservationID
	Code             ReservationCode
	ProductID        ProductID
	PickupHotelID    HotelID
	DropHotelID      HotelID
	UserEmail        EmailAddress
	Window           TimeWindow
	Status           ReservationStatus
	PriceCents       AmountCents
	DepositCents     AmountCents
	PricingType      PricingType
	RevenueShare     RevenueShare
	DiscountCode     string
	DamageFeeCents   AmountCents
	PaymentIntentRef string
	SetupIntentRef   string
	Metadata         MetadataJSON
	CreatedUnixUTC   int64
}

// NewHotelID validates and normalizes a hotel id.
func NewHotelID(raw string) (HotelID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HotelID{}, fmt.Errorf("%w: empty value", ErrInvalidHotelID)
	}
	return HotelID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HotelID) String() string {
	return id.value
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewReservationCode validates and normalizes a reservation code.
func NewReservationCode(raw string) (ReservationCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationCode{}, fmt.Errorf("%w: empty value", ErrInvalidReservationCode)
	}
	return ReservationCode{value: strings.ToUpper(trimmed)}, nil
}

// String returns the normalized code.
func (code ReservationCode) String() string {
	return code.value
}

// NewEmailAddress validates and normalizes a customer email.
func NewEmailAddress(raw string) (EmailAddress, error) {
	trimmed := strings.TrimSpace(raw)
	atIndex := strings.Index(trimmed, "@")
	if atIndex <= 0 || atIndex == len(trimmed)-1 {
		return EmailAddress{}, fmt.Errorf("%w: %q", ErrInvalidEmailAddress, raw)
	}
	return EmailAddress{value: strings.ToLower(trimmed)}, nil
}

// String returns the normalized address.
func (email EmailAddress) String() string {
	return email.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewQuantity validates a non-negative unit count.
func NewQuantity(raw int) (Quantity, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidQuantity)
	}
	return Quantity(raw), nil
}

// Int returns the raw count.
func (quantity Quantity) Int() int {
	return int(quantity)
}

// NewTimeWindow validates a half-open [start, end) interval.
func NewTimeWindow(start time.Time, end time.Time) (TimeWindow, error) {
	if start.IsZero() || end.IsZero() {
		return TimeWindow{}, fmt.Errorf("%w: start and end are required", ErrInvalidTimeWindow)
	}
	if !start.Before(end) {
		return TimeWindow{}, fmt.Errorf("%w: start must precede end", ErrInvalidTimeWindow)
	}
	return TimeWindow{start: start.UTC(), end: end.UTC()}, nil
}

// Start returns the inclusive lower bound.
func (window TimeWindow) Start() time.Time {
	return window.start
}

// End returns the exclusive upper bound.
func (window TimeWindow) End() time.Time {
	return window.end
}

// Duration returns end minus start.
func (window TimeWindow) Duration() time.Duration {
	return window.end.Sub(window.start)
}

// Overlaps reports half-open intersection: touching endpoints do not overlap,
// so a pickup at the instant of another booking's drop-off is compatible.
func (window TimeWindow) Overlaps(other TimeWindow) bool {
	return window.start.Before(other.end) && window.end.After(other.start)
}

// ShiftDays returns the same-duration window moved forward by whole days.
func (window TimeWindow) ShiftDays(days int) TimeWindow {
	offset := time.Duration(days) * 24 * time.Hour
	return TimeWindow{start: window.start.Add(offset), end: window.end.Add(offset)}
}

// IsZero reports an uninitialized window.
func (window TimeWindow) IsZero() bool {
	return window.start.IsZero() && window.end.IsZero()
}

// ParseReservationStatus validates a status string.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusNoShow, StatusDamaged, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored vocabulary value.
func (status ReservationStatus) String() string {
	return string(status)
}

// DisplayStatusFor maps the engine vocabulary onto the simplified display
// vocabulary. The mapping is total over valid statuses.
func DisplayStatusFor(status ReservationStatus) DisplayStatus {
	switch status {
	case StatusConfirmed:
		return DisplayActive
	case StatusCompleted:
		return DisplayDone
	case StatusNoShow:
		return DisplayStolen
	case StatusDamaged:
		return DisplayDamaged
	default:
		// PENDING and CANCELLED both render as RESERVED.
		return DisplayReserved
	}
}

// String returns the display vocabulary value.
func (status DisplayStatus) String() string {
	return string(status)
}

// ParsePricingType validates a pricing tier string.
func ParsePricingType(raw string) (PricingType, error) {
	pricingType := PricingType(strings.ToUpper(strings.TrimSpace(raw)))
	switch pricingType {
	case PricingHourly, PricingDaily:
		return pricingType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPricingType, raw)
}

// String returns the stored tier value.
func (pricingType PricingType) String() string {
	return string(pricingType)
}

// ParseRevenueShare validates a revenue-share string.
func ParseRevenueShare(raw string) (RevenueShare, error) {
	share := RevenueShare(strings.ToUpper(strings.TrimSpace(raw)))
	switch share {
	case SharePlatform70, ShareHotel70:
		return share, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRevenueShare, raw)
}

// String returns the stored share value.
func (share RevenueShare) String() string {
	return string(share)
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx transactional: every Store method called on the closure's
// argument participates in one transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	UpsertProduct(ctx context.Context, product Product) error
	GetProduct(ctx context.Context, productID ProductID) (Product, error)

	UpsertInventoryItem(ctx context.Context, item InventoryItem) error
	GetInventoryItem(ctx context.Context, hotelID HotelID, productID ProductID) (InventoryItem, error)
	// GetInventoryItemForUpdate additionally serializes concurrent
	// transactions touching the same (hotel, product) row.
	GetInventoryItemForUpdate(ctx context.Context, hotelID HotelID, productID ProductID) (InventoryItem, error)

	UpsertDiscountCode(ctx context.Context, code DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (DiscountCode, error)

	InsertReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	GetReservationByCode(ctx context.Context, code ReservationCode) (Reservation, error)
	// UpdateReservationStatus applies a conditional status update and fails
	// with ErrStatusConflict when the stored status no longer matches from.
	UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from ReservationStatus, to ReservationStatus) error
	// UpdateReservationDamage moves the reservation into DAMAGED and records
	// the damage fee in the same conditional update.
	UpdateReservationDamage(ctx context.Context, reservationID ReservationID, from ReservationStatus, feeCents AmountCents) error
	SetPaymentRefs(ctx context.Context, reservationID ReservationID, paymentIntentRef string, setupIntentRef string) error

	// CountBlocking counts reservations in blocking states (PENDING,
	// CONFIRMED) for the pair whose windows overlap the given half-open window.
	CountBlocking(ctx context.Context, hotelID HotelID, productID ProductID, window TimeWindow) (int, error)
	// CountBlockingBatch evaluates several candidate windows in one pass.
	// The result is index-aligned with windows.
	CountBlockingBatch(ctx context.Context, hotelID HotelID, productID ProductID, windows []TimeWindow) ([]int, error)

	ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ReservationID, error)
}
