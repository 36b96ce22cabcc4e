package domain

import "errors"

// Domain errors
var (
	// Admission errors
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("caller does not own this listing")
	ErrPreconditionFailed     = errors.New("no payment method on file")
	ErrPaymentProofIncomplete = errors.New("payment method setup has not succeeded")
	ErrPaymentMismatch        = errors.New("payment method belongs to a different payment account")
	ErrCapacityRaceLost       = errors.New("area capacity changed during admission, retry")
	ErrInvalidConsent         = errors.New("invalid consent artifact")
	ErrInvalidCheckout        = errors.New("checkout session is not a valid featured placement purchase")
	ErrInvalidArea            = errors.New("area is required")

	// Lookup errors
	ErrListingNotFound = errors.New("listing not found")
	ErrEntryNotFound   = errors.New("queue entry not found")

	// State errors
	ErrAlreadyQueued     = errors.New("listing already has a live queue entry")
	ErrInvalidTransition = errors.New("invalid queue entry status transition")
	ErrLeaseLost         = errors.New("processing lease no longer held")
	// ErrCheckoutUnbound is a paid checkout for a listing whose live entry cannot take the payment
	ErrCheckoutUnbound = errors.New("paid checkout cannot be attached to the listing's live queue entry")
)

// IsClientError reports errors the caller must fix; the system never retries them
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrPaymentProofIncomplete) ||
		errors.Is(err, ErrPaymentMismatch) ||
		errors.Is(err, ErrCapacityRaceLost) ||
		errors.Is(err, ErrInvalidConsent) ||
		errors.Is(err, ErrInvalidCheckout) ||
		errors.Is(err, ErrInvalidArea) ||
		IsNotFoundError(err) ||
		IsConflictError(err)
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrListingNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}

// IsConflictError checks if the error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyQueued) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCapacityRaceLost)
}
