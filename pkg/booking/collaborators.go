package booking

import "context"

// PaymentStatus is the upstream authority's view of a deposit authorization.
type PaymentStatus string

const (
	PaymentStatusRequiresCapture PaymentStatus = "requires_capture"
	PaymentStatusProcessing      PaymentStatus = "processing"
	PaymentStatusCaptured        PaymentStatus = "captured"
	PaymentStatusFailed          PaymentStatus = "failed"
)

// PaymentAuthorization is the reference pair handed back by the payment
// authority for a deposit hold plus setup of the customer's payment method.
type PaymentAuthorization struct {
	IntentRef         string
	ClientSecret      string
	SetupIntentRef    string
	SetupIntentSecret string
}

// PaymentAuthorizer is the external payment collaborator. Wire protocol
// details live behind this surface.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, amountCents AmountCents, metadata map[string]string) (PaymentAuthorization, error)
	RetrieveStatus(ctx context.Context, intentRef string) (PaymentStatus, error)
}

// Notifier is the post-confirmation collaborator (email, calendar invites).
// It is fire-and-forget with respect to the state machine: a notification
// failure is logged and never rolls back the reservation.
type Notifier interface {
	ReservationConfirmed(ctx context.Context, reservation Reservation) error
}
