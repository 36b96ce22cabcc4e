package notifier

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/prohmpiriya/featured-placement/internal/domain"
)

// Notification is the owner-facing message for one status change
type Notification struct {
	ID                      string             `json:"id"`
	EntryID                 int64              `json:"entry_id"`
	ListingID               string             `json:"listing_id"`
	OwnerID                 string             `json:"owner_id"`
	Area                    string             `json:"area"`
	Status                  domain.EntryStatus `json:"status"`
	StartedAt               *time.Time         `json:"started_at,omitempty"`
	EndsAt                  *time.Time         `json:"ends_at,omitempty"`
	RequiresActionExpiresAt *time.Time         `json:"requires_action_expires_at,omitempty"`
	FailureCode             string             `json:"failure_code,omitempty"`
	OccurredAt              time.Time          `json:"occurred_at"`
}

// Sink delivers notifications to an external channel
type Sink interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-ordered ULID used as the message id
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New builds the notification for the entry's current status
func New(e *domain.QueueEntry) (*Notification, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:                      id,
		EntryID:                 e.ID,
		ListingID:               e.ListingID,
		OwnerID:                 e.OwnerID,
		Area:                    e.Area,
		Status:                  e.Status,
		StartedAt:               e.StartedAt,
		EndsAt:                  e.EndsAt,
		RequiresActionExpiresAt: e.RequiresActionExpiresAt,
		FailureCode:             e.FailureCode,
		OccurredAt:              time.Now().UTC(),
	}, nil
}
