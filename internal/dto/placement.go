package dto

import (
	"time"

	"github.com/prohmpiriya/featured-placement/internal/domain"
)

// JoinRequest is the body of POST /api/v1/featured/join
type JoinRequest struct {
	ListingID      string `json:"listing_id" binding:"required,max=128"`
	PaymentProofID string `json:"payment_proof_id" binding:"required,startswith=seti_"`
	// ConsentTextHash is the sha256 of the consent text the owner accepted
	ConsentTextHash string `json:"consent_text_hash" binding:"required,len=64,hexadecimal"`
}

// JoinResponse is returned after a successful admission
type JoinResponse struct {
	Success           bool               `json:"success"`
	EntryID           int64              `json:"entry_id"`
	Position          int                `json:"position"`
	Status            domain.EntryStatus `json:"status"`
	NextAvailableDate time.Time          `json:"next_available_date"`
	// ClientSecret lets the owner complete a 3-D Secure step-up
	ClientSecret string `json:"client_secret,omitempty"`
}

// RequeueRequest rebinds a failed entry to a new verified payment method
type RequeueRequest struct {
	PaymentProofID  string `json:"payment_proof_id" binding:"required,startswith=seti_"`
	ConsentTextHash string `json:"consent_text_hash" binding:"omitempty,len=64,hexadecimal"`
}

// EntryResponse is the owner's view of one queue entry
type EntryResponse struct {
	ID                      int64              `json:"id"`
	ListingID               string             `json:"listing_id"`
	Area                    string             `json:"area"`
	Status                  domain.EntryStatus `json:"status"`
	Position                int                `json:"position"`
	PriceLockedCents        int64              `json:"price_locked_cents"`
	Currency                string             `json:"currency"`
	PromotionAttempt        int                `json:"promotion_attempt"`
	RequestedAt             time.Time          `json:"requested_at"`
	StartedAt               *time.Time         `json:"started_at,omitempty"`
	EndsAt                  *time.Time         `json:"ends_at,omitempty"`
	RequiresActionExpiresAt *time.Time         `json:"requires_action_expires_at,omitempty"`
	FailureCode             string             `json:"failure_code,omitempty"`
}

// NewEntryResponse builds the owner view
func NewEntryResponse(e *domain.QueueEntry, position int) *EntryResponse {
	return &EntryResponse{
		ID:                      e.ID,
		ListingID:               e.ListingID,
		Area:                    e.Area,
		Status:                  e.Status,
		Position:                position,
		PriceLockedCents:        e.PriceLockedCents,
		Currency:                e.Currency,
		PromotionAttempt:        e.PromotionAttempt,
		RequestedAt:             e.RequestedAt,
		StartedAt:               e.StartedAt,
		EndsAt:                  e.EndsAt,
		RequiresActionExpiresAt: e.RequiresActionExpiresAt,
		FailureCode:             e.FailureCode,
	}
}

// CapacityResponse wraps the capacity oracle answer
type CapacityResponse struct {
	Success bool `json:"success"`
	*domain.AreaCapacity
}

// CheckoutAdmission is a paid checkout session that should become a queue entry
type CheckoutAdmission struct {
	EventID           string
	CheckoutSessionID string `validate:"required"`
	PaymentIntentID   string
	ListingID         string `validate:"required"`
	UserID            string `validate:"required"`
	AmountCents       int64  `validate:"gt=0"`
	Currency          string `validate:"required,len=3"`
}
