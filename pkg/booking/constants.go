package booking

const (
	operationCheckout   = "checkout"
	operationConfirm    = "confirm"
	operationTransition = "transition"
	operationDamage     = "damage"
	operationExpire     = "expire"
	operationNotify     = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	hourlyCutoffHours = 24
	hoursPerDay       = 24

	discountNumerator   = 90
	discountDenominator = 100

	// Alternative-slot search looks this many whole days past the requested
	// window; the first shifted day is always proposed.
	alternativeSearchDays = 3

	defaultStaleScanLimit = 100
)

var blockingStatuses = []ReservationStatus{StatusPending, StatusConfirmed}

// BlockingStatuses returns the statuses that still consume a unit of
// inventory: a reservation not yet known to have failed or completed.
func BlockingStatuses() []ReservationStatus {
	statuses := make([]ReservationStatus, len(blockingStatuses))
	copy(statuses, blockingStatuses)
	return statuses
}

// IsBlocking reports whether a status counts against capacity.
func IsBlocking(status ReservationStatus) bool {
	return status == StatusPending || status == StatusConfirmed
}
