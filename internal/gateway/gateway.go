package gateway

import (
	"context"
	"errors"
)

// ErrTransient marks processor failures worth retrying on a later run (network, 5xx, rate limits)
var ErrTransient = errors.New("transient payment processor error")

// ErrNotFound is returned when the processor has no object with the given id
var ErrNotFound = errors.New("payment object not found")

// IsTransient reports whether err should leave the entry untouched for the next run
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IntentStatus mirrors processor payment intent statuses
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentProcessing            IntentStatus = "processing"
	IntentCanceled              IntentStatus = "canceled"
)

// ChargeOutcome is the scheduler-facing classification of a charge attempt
type ChargeOutcome string

const (
	OutcomeSucceeded      ChargeOutcome = "succeeded"
	OutcomeRequiresAction ChargeOutcome = "requires_action"
	// OutcomeDeclined is a definitive failure: declined card or invalid payment method
	OutcomeDeclined ChargeOutcome = "declined"
	// OutcomeProcessing has a processor reference but no final answer yet
	OutcomeProcessing ChargeOutcome = "processing"
)

// OffSessionChargeRequest charges a stored payment method without the customer present
type OffSessionChargeRequest struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	IdempotencyKey  string
	Description     string
	Metadata        map[string]string
}

// ChargeResult is the classified result of an off-session charge
type ChargeResult struct {
	PaymentIntentID string
	Outcome         ChargeOutcome
	Status          IntentStatus
	ClientSecret    string
	FailureCode     string
	FailureMessage  string
}

// IntentInfo is a payment intent read back from the processor
type IntentInfo struct {
	ID          string
	Status      IntentStatus
	AmountCents int64
	Currency    string
	CustomerID  string
	Metadata    map[string]string
}

// SetupIntentInfo is a stored payment method authorization
type SetupIntentInfo struct {
	ID              string
	Status          string
	CustomerID      string
	PaymentMethodID string
}

// Succeeded reports whether the setup intent completed
func (s *SetupIntentInfo) Succeeded() bool {
	return s.Status == "succeeded"
}

// PaymentGateway is the payment processor port used by admission and the scheduler
type PaymentGateway interface {
	// ChargeOffSession creates and confirms a payment intent. Replaying the same
	// IdempotencyKey returns the same intent. Transient failures wrap ErrTransient;
	// declines come back as OutcomeDeclined with a nil error.
	ChargeOffSession(ctx context.Context, req *OffSessionChargeRequest) (*ChargeResult, error)

	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error)

	GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntentInfo, error)

	// CancelPaymentIntent cancels an intent the customer may still confirm. It returns
	// the intent as the processor left it: an intent that already succeeded or was
	// canceled is returned unchanged with a nil error.
	CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error)

	// Name returns the gateway name
	Name() string
}
