package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/notifier"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/pkg/retry"
)

const consentHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink keeps every notification it receives
type recordingSink struct {
	mu   sync.Mutex
	sent []*notifier.Notification
	// FailFunc, when set, decides whether a send fails
	FailFunc func(n *notifier.Notification) error
}

func (s *recordingSink) Send(ctx context.Context, n *notifier.Notification) error {
	if s.FailFunc != nil {
		if err := s.FailFunc(n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) statuses(entryID int64) []domain.EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EntryStatus
	for _, n := range s.sent {
		if n.EntryID == entryID {
			out = append(out, n.Status)
		}
	}
	return out
}

type fixture struct {
	clock         *testClock
	store         *repository.BoltPlacementStore
	directory     *repository.BoltDirectory
	gateway       *gateway.MockGateway
	sink          *recordingSink
	notifications NotificationService
	scheduler     SchedulerService
	admission     AdmissionService
	capacity      CapacityService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := repository.OpenBoltStore(filepath.Join(t.TempDir(), "featured.db"), repository.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		clock:     clock,
		store:     store,
		directory: repository.NewBoltDirectory(store.DB()),
		gateway:   gateway.NewMockGateway(nil),
		sink:      &recordingSink{},
	}
	f.notifications = NewNotificationService(store, f.sink, nil, &NotificationServiceConfig{
		Timeout: time.Second,
		Retry:   &retry.Config{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})
	f.scheduler = NewSchedulerService(store, f.gateway, f.notifications, nil, &SchedulerServiceConfig{
		BatchSize:       10,
		ProcessingLease: 5 * time.Minute,
		StepUpWindow:    23 * time.Hour,
		CleanupGrace:    90 * 24 * time.Hour,
		Now:             clock.Now,
	})
	f.admission = NewAdmissionService(store, f.directory, f.gateway, f.scheduler, f.notifications, nil, &AdmissionServiceConfig{
		PriceCents: 4900,
		Currency:   "aud",
	})
	f.capacity = NewCapacityService(store)
	return f
}

// owner registers a listing, its owner's payment account and a succeeded setup intent
// for paymentMethodID. The setup intent id is "seti_<listingID>".
func (f *fixture) owner(t *testing.T, listingID, area, paymentMethodID string) string {
	t.Helper()
	ctx := context.Background()
	ownerID := "owner-" + listingID

	require.NoError(t, f.directory.PutListing(ctx, &domain.Listing{ID: listingID, OwnerID: ownerID, Area: area}))
	require.NoError(t, f.directory.PutPaymentAccount(ctx, &domain.PaymentAccount{UserID: ownerID, StripeCustomerID: "cus_" + ownerID}))
	f.gateway.AddSetupIntent(&gateway.SetupIntentInfo{
		ID:              "seti_" + listingID,
		Status:          "succeeded",
		CustomerID:      "cus_" + ownerID,
		PaymentMethodID: paymentMethodID,
	})
	return ownerID
}

func (f *fixture) join(t *testing.T, listingID, area, paymentMethodID string) *dto.JoinResponse {
	t.Helper()
	ownerID := f.owner(t, listingID, area, paymentMethodID)
	resp, err := f.admission.Join(context.Background(), ownerID, joinRequest(listingID))
	require.NoError(t, err)
	return resp
}

// fillPrepaid admits n paid checkouts into area, one day apart
func (f *fixture) fillPrepaid(t *testing.T, area string, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		if i > 0 {
			f.clock.Advance(24 * time.Hour)
		}
		listingID := area + "-paid-" + string(rune('a'+i))
		ownerID := f.owner(t, listingID, area, gateway.MockPMSucceeds)
		resp, err := f.admission.AdmitFromCheckout(context.Background(), &dto.CheckoutAdmission{
			EventID:           "evt_" + listingID,
			CheckoutSessionID: "cs_" + listingID,
			PaymentIntentID:   "pi_checkout_" + listingID,
			ListingID:         listingID,
			UserID:            ownerID,
			AmountCents:       4900,
			Currency:          "AUD",
		})
		require.NoError(t, err)
		require.Equal(t, domain.StatusActive, resp.Status)
		ids = append(ids, resp.EntryID)
	}
	return ids
}

func (f *fixture) entry(t *testing.T, id int64) *domain.QueueEntry {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func joinRequest(listingID string) *dto.JoinRequest {
	return &dto.JoinRequest{
		ListingID:       listingID,
		PaymentProofID:  "seti_" + listingID,
		ConsentTextHash: consentHash,
	}
}

// MockNotificationGate is a func-field NotificationGate
type MockNotificationGate struct {
	AttemptFunc func(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error)
}

func (m *MockNotificationGate) AttemptNotificationUpdate(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error) {
	if m.AttemptFunc != nil {
		return m.AttemptFunc(ctx, entryID, status)
	}
	return true, nil
}
