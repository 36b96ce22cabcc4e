package repository

import (
	"context"
	"time"

	"github.com/prohmpiriya/featured-placement/internal/domain"
)

// NewEntry is a verified admission ready to be written
type NewEntry struct {
	ListingID         string
	OwnerID           string
	Area              string
	PaymentMethodID   string
	StripeCustomerID  string
	PriceLockedCents  int64
	Currency          string
	ConsentHash       string
	Prepaid           bool
	CheckoutSessionID string
	// PaymentIntentID records the captured charge for prepaid entries
	PaymentIntentID string
}

// AdmissionResult is returned by the atomic admission procedure
type AdmissionResult struct {
	Entry             *domain.QueueEntry
	Position          int
	NextAvailableDate time.Time
	// SlotAvailable is set for deferred-charge entries when a slot is free right now
	SlotAvailable bool
	// Duplicate is set when the checkout session was already admitted
	Duplicate bool
}

// Finalize is an atomic status transition plus lease release
type Finalize struct {
	EntryID    int64
	LeaseToken string
	Status     domain.EntryStatus
	// PaymentIntentID is stored when non-empty
	PaymentIntentID string
	// IncrementAttempt bumps promotion_attempt after a definitive failure
	IncrementAttempt bool
	FailureCode      string
	// RequiresActionExpiresAt is the step-up deadline, required for requires_action
	RequiresActionExpiresAt *time.Time
}

// Requeue rebinds a failed entry to a new payment method
type Requeue struct {
	EntryID         int64
	PaymentMethodID string
	ConsentHash     string
}

// PlacementStore is the only write path to queue entries. Every method is one
// serializable unit; callers never compose reads and writes across calls.
type PlacementStore interface {
	InsertVerifiedQueueEntry(ctx context.Context, e *NewEntry) (*AdmissionResult, error)
	ClaimReconciliationTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error)
	ClaimPromotionTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error)
	// ClaimEntryForPromotion leases one waiting entry if the area has room; nil when not claimable
	ClaimEntryForPromotion(ctx context.Context, entryID int64, lease time.Duration) (*domain.Task, error)
	ReconcileAndFinalize(ctx context.Context, f *Finalize) (*domain.QueueEntry, error)
	// CleanupStuckProcessing clears expired leases without a processor reference and
	// re-leases the rest to the caller for reconciliation
	CleanupStuckProcessing(ctx context.Context, lease time.Duration) ([]*domain.Task, error)
	ExpireFinishedSlots(ctx context.Context) ([]*domain.QueueEntry, error)
	ExpireStalledActions(ctx context.Context) ([]*domain.QueueEntry, error)
	AttemptNotificationUpdate(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error)
	Capacity(ctx context.Context, area string) (*domain.AreaCapacity, error)

	GetEntry(ctx context.Context, entryID int64) (*domain.QueueEntry, error)
	QueuePosition(ctx context.Context, entryID int64) (int, error)
	RequeueFailedEntry(ctx context.Context, r *Requeue) (*domain.QueueEntry, error)
	CleanupTerminalEntries(ctx context.Context, grace time.Duration) (int, error)
	// RecordWebhookEvent returns false when the event id was already recorded
	RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
}

// DirectoryRepository reads listings and payment accounts owned by other services
type DirectoryRepository interface {
	GetListing(ctx context.Context, listingID string) (*domain.Listing, error)
	// GetPaymentAccount returns nil, nil when the user has no account on file
	GetPaymentAccount(ctx context.Context, userID string) (*domain.PaymentAccount, error)
}
