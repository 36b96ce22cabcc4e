package domain

import (
	"fmt"
	"time"
)

const (
	// MaxActivePerArea caps concurrently featured listings in one area
	MaxActivePerArea = 5
	// SlotDuration is the fixed length of a featured window
	SlotDuration = 30 * 24 * time.Hour
)

// EntryStatus represents the lifecycle state of a queue entry (matches DB CHECK constraint)
type EntryStatus string

const (
	// StatusPending is a prepaid entry waiting for a slot
	StatusPending EntryStatus = "pending"
	// StatusPendingReady has a bound payment method and waits to be charged
	StatusPendingReady   EntryStatus = "pending_ready"
	StatusRequiresAction EntryStatus = "requires_action"
	StatusActive         EntryStatus = "active"
	StatusExpired        EntryStatus = "expired"
	StatusPaymentFailed  EntryStatus = "payment_failed"
	// StatusRejected is set by moderation tooling outside this service
	StatusRejected EntryStatus = "rejected"
)

var transitions = map[EntryStatus][]EntryStatus{
	StatusPending:        {StatusActive, StatusPending},
	StatusPendingReady:   {StatusActive, StatusRequiresAction, StatusPaymentFailed, StatusPendingReady},
	StatusRequiresAction: {StatusActive, StatusPaymentFailed, StatusRequiresAction},
	StatusActive:         {StatusExpired},
	StatusPaymentFailed:  {StatusPendingReady},
}

// IsValid reports whether s is a known status
func (s EntryStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusPendingReady, StatusRequiresAction, StatusActive,
		StatusExpired, StatusPaymentFailed, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is an allowed successor of s
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsLive reports whether the entry still holds or waits for a slot
func (s EntryStatus) IsLive() bool {
	switch s {
	case StatusPending, StatusPendingReady, StatusRequiresAction, StatusActive:
		return true
	}
	return false
}

// IsWaiting reports whether the entry is in line for promotion
func (s EntryStatus) IsWaiting() bool {
	return s == StatusPending || s == StatusPendingReady
}

// IsTerminal reports whether the scheduler will never touch the entry again
func (s EntryStatus) IsTerminal() bool {
	return s == StatusExpired || s == StatusPaymentFailed || s == StatusRejected
}

// QueueEntry is one reservation attempt for a listing in an area
type QueueEntry struct {
	ID                      int64       `json:"id"`
	ListingID               string      `json:"listing_id"`
	OwnerID                 string      `json:"owner_id"`
	Area                    string      `json:"area"`
	Status                  EntryStatus `json:"status"`
	StartedAt               *time.Time  `json:"started_at,omitempty"`
	EndsAt                  *time.Time  `json:"ends_at,omitempty"`
	RequestedAt             time.Time   `json:"requested_at"`
	PaymentMethodID         string      `json:"payment_method_id,omitempty"`
	StripeCustomerID        string      `json:"stripe_customer_id,omitempty"`
	PriceLockedCents        int64       `json:"price_locked_cents"`
	Currency                string      `json:"currency"`
	StripePaymentIntentID   string      `json:"stripe_payment_intent_id,omitempty"`
	PromotionAttempt        int         `json:"promotion_attempt"`
	ProcessingExpiresAt     *time.Time  `json:"processing_expires_at,omitempty"`
	ProcessingToken         string      `json:"-"`
	RequiresActionExpiresAt *time.Time  `json:"requires_action_expires_at,omitempty"`
	LastNotifiedStatus      EntryStatus `json:"last_notified_status,omitempty"`
	ConsentHash             string      `json:"consent_hash,omitempty"`
	Prepaid                 bool        `json:"prepaid"`
	CheckoutSessionID       string      `json:"checkout_session_id,omitempty"`
	FailureCode             string      `json:"failure_code,omitempty"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Activate starts the featured window at now
func (e *QueueEntry) Activate(now time.Time) {
	start := now.UTC()
	end := start.Add(SlotDuration)
	e.Status = StatusActive
	e.StartedAt = &start
	e.EndsAt = &end
	e.RequiresActionExpiresAt = nil
	e.FailureCode = ""
}

// IsLeased reports whether a worker holds an unexpired processing lease at now
func (e *QueueEntry) IsLeased(now time.Time) bool {
	return e.ProcessingExpiresAt != nil && e.ProcessingExpiresAt.After(now)
}

// HasLease reports whether a lease marker is present regardless of expiry
func (e *QueueEntry) HasLease() bool {
	return e.ProcessingExpiresAt != nil
}

// ClearLease releases the processing lease
func (e *QueueEntry) ClearLease() {
	e.ProcessingExpiresAt = nil
	e.ProcessingToken = ""
}

// IdempotencyKey is the processor idempotency key for one promotion attempt
func IdempotencyKey(entryID int64, attempt int) string {
	return fmt.Sprintf("featured-placement-%d-attempt-%d", entryID, attempt)
}

// Task is a leased unit of scheduler work
type Task struct {
	Entry      *QueueEntry
	LeaseToken string
}

// AreaCapacity is the Capacity Oracle answer for one area
type AreaCapacity struct {
	Area              string    `json:"area"`
	TotalCount        int       `json:"total_count"`
	PendingCount      int       `json:"pending_count"`
	NextAvailableDate time.Time `json:"next_available_date"`
	MaxSlots          int       `json:"max_slots"`
}

// HasFreeSlot reports whether fewer than MaxActivePerArea entries are active
func (c *AreaCapacity) HasFreeSlot() bool {
	return c.TotalCount < MaxActivePerArea
}

// NextAvailable returns now when a slot is free, else the earliest end among active entries
func NextAvailable(now time.Time, activeCount int, earliestEnd *time.Time) time.Time {
	if activeCount < MaxActivePerArea || earliestEnd == nil {
		return now.UTC()
	}
	return earliestEnd.UTC()
}
