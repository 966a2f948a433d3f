package booking

// allowedTransitions is the authoritative lifecycle table. COMPLETED and
// CANCELLED are terminal for the forward flow but not hard-terminal: a late
// damage report reopens COMPLETED and a reinstatement reopens CANCELLED.
var allowedTransitions = map[ReservationStatus][]ReservationStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusNoShow, StatusDamaged, StatusCancelled},
	StatusNoShow:    {StatusConfirmed, StatusCancelled},
	StatusDamaged:   {StatusCompleted},
	StatusCompleted: {StatusDamaged},
	StatusCancelled: {StatusConfirmed},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from ReservationStatus, to ReservationStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a TransitionError for any pair absent from the
// table, leaving the caller's stored status untouched.
func ValidateTransition(from ReservationStatus, to ReservationStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ValidateDamageFee bounds a damage fee by the reservation deposit.
func ValidateDamageFee(feeCents AmountCents, depositCents AmountCents) error {
	if feeCents <= 0 {
		return ErrDamageFeeRequired
	}
	if feeCents > depositCents {
		return ErrDamageFeeExceedsDeposit
	}
	return nil
}
