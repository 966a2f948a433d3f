package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
)

// StaticAuthorizer approves every deposit without talking to an upstream.
// It backs local runs and demos where no payment authority is available.
type StaticAuthorizer struct {
	counter atomic.Int64

	mu       sync.Mutex
	statuses map[string]booking.PaymentStatus
}

// NewStaticAuthorizer returns an authorizer that always succeeds.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{statuses: make(map[string]booking.PaymentStatus)}
}

func (authorizer *StaticAuthorizer) Authorize(_ context.Context, _ booking.AmountCents, _ map[string]string) (booking.PaymentAuthorization, error) {
	sequence := authorizer.counter.Add(1)
	intentRef := fmt.Sprintf("pi_local_%d", sequence)
	authorizer.mu.Lock()
	authorizer.statuses[intentRef] = booking.PaymentStatusRequiresCapture
	authorizer.mu.Unlock()
	return booking.PaymentAuthorization{
		IntentRef:         intentRef,
		ClientSecret:      intentRef + "_secret",
		SetupIntentRef:    fmt.Sprintf("seti_local_%d", sequence),
		SetupIntentSecret: fmt.Sprintf("seti_local_%d_secret", sequence),
	}, nil
}

func (authorizer *StaticAuthorizer) RetrieveStatus(_ context.Context, intentRef string) (booking.PaymentStatus, error) {
	authorizer.mu.Lock()
	defer authorizer.mu.Unlock()
	status, ok := authorizer.statuses[intentRef]
	if !ok {
		return booking.PaymentStatusFailed, nil
	}
	return status, nil
}
