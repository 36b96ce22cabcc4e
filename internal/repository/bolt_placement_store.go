package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/prohmpiriya/featured-placement/internal/domain"
)

var (
	bucketEntries          = []byte("queue_entries")
	bucketCheckoutSessions = []byte("checkout_sessions")
	bucketWebhookEvents    = []byte("webhook_events")
)

// BoltPlacementStore is a single-file PlacementStore for local development and tests.
// bbolt allows one writer at a time, so each method runs as one db.Update and is
// serializable without further locking.
type BoltPlacementStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// BoltOption configures a BoltPlacementStore
type BoltOption func(*BoltPlacementStore)

// WithClock overrides the wall clock used for leases and windows
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltPlacementStore) { s.now = now }
}

// OpenBoltStore opens (or creates) the store at path
func OpenBoltStore(path string, opts ...BoltOption) (*BoltPlacementStore, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketCheckoutSessions, bucketWebhookEvents, bucketListings, bucketPaymentAccounts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}

	s := &BoltPlacementStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying database so the directory can share the file
func (s *BoltPlacementStore) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying bbolt database
func (s *BoltPlacementStore) Close() error {
	return s.db.Close()
}

func (s *BoltPlacementStore) clock() time.Time {
	return s.now().UTC()
}

// boltRecord keeps the lease token, which QueueEntry hides from JSON
type boltRecord struct {
	domain.QueueEntry
	Token string `json:"processing_token,omitempty"`
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func putEntry(tx *bbolt.Tx, e *domain.QueueEntry) error {
	val, err := json.Marshal(&boltRecord{QueueEntry: *e, Token: e.ProcessingToken})
	if err != nil {
		return fmt.Errorf("bolt: marshal entry %d: %w", e.ID, err)
	}
	return tx.Bucket(bucketEntries).Put(idKey(e.ID), val)
}

func decodeEntry(val []byte) (*domain.QueueEntry, error) {
	var rec boltRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	e := rec.QueueEntry
	e.ProcessingToken = rec.Token
	return &e, nil
}

func getEntry(tx *bbolt.Tx, id int64) (*domain.QueueEntry, error) {
	val := tx.Bucket(bucketEntries).Get(idKey(id))
	if val == nil {
		return nil, domain.ErrEntryNotFound
	}
	return decodeEntry(val)
}

// allEntries returns every entry in id order
func allEntries(tx *bbolt.Tx) ([]*domain.QueueEntry, error) {
	var out []*domain.QueueEntry
	err := tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func copyEntry(e *domain.QueueEntry) *domain.QueueEntry {
	c := *e
	return &c
}

// fifoLess orders waiting entries by requested_at, then id
func fifoLess(a, b *domain.QueueEntry) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}

// hasCharge reports whether a deferred-charge entry already reached the processor.
// A prepaid entry's intent is the checkout payment and never needs reconciling.
func hasCharge(e *domain.QueueEntry) bool {
	return !e.Prepaid && e.StripePaymentIntentID != ""
}

// claimable reports whether a waiting entry is free for the promotion step
func claimable(e *domain.QueueEntry) bool {
	return e.Status.IsWaiting() && !e.HasLease() && !hasCharge(e)
}

// areaView summarizes one area inside a transaction
type areaView struct {
	active      int
	occupied    int
	waiting     []*domain.QueueEntry
	earliestEnd *time.Time
}

// viewArea counts slot usage. Occupied includes step-ups in flight and waiting
// entries that are leased or already carry a charge, so claims never overbook.
func viewArea(entries []*domain.QueueEntry, area string) *areaView {
	v := &areaView{}
	for _, e := range entries {
		if e.Area != area {
			continue
		}
		switch {
		case e.Status == domain.StatusActive:
			v.active++
			v.occupied++
			if e.EndsAt != nil && (v.earliestEnd == nil || e.EndsAt.Before(*v.earliestEnd)) {
				end := *e.EndsAt
				v.earliestEnd = &end
			}
		case e.Status == domain.StatusRequiresAction:
			v.occupied++
		case e.Status.IsWaiting():
			v.waiting = append(v.waiting, e)
			if !claimable(e) {
				v.occupied++
			}
		}
	}
	sort.Slice(v.waiting, func(i, j int) bool { return fifoLess(v.waiting[i], v.waiting[j]) })
	return v
}

func (v *areaView) unclaimedWaiting() int {
	n := 0
	for _, e := range v.waiting {
		if claimable(e) {
			n++
		}
	}
	return n
}

// positionOf is 1 for entries holding a slot, the FIFO rank for waiting ones, 0 otherwise
func positionOf(e *domain.QueueEntry, v *areaView) int {
	if e.Status == domain.StatusActive || e.Status == domain.StatusRequiresAction {
		return 1
	}
	if !e.Status.IsWaiting() {
		return 0
	}
	pos := 1
	for _, w := range v.waiting {
		if w.ID != e.ID && fifoLess(w, e) {
			pos++
		}
	}
	return pos
}

// InsertVerifiedQueueEntry performs capacity re-check, insert and position in one transaction
func (s *BoltPlacementStore) InsertVerifiedQueueEntry(ctx context.Context, ne *NewEntry) (*AdmissionResult, error) {
	var result *AdmissionResult

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()

		if ne.CheckoutSessionID != "" {
			if raw := tx.Bucket(bucketCheckoutSessions).Get([]byte(ne.CheckoutSessionID)); raw != nil {
				existing, err := getEntry(tx, int64(binary.BigEndian.Uint64(raw)))
				if err != nil {
					return err
				}
				entries, err := allEntries(tx)
				if err != nil {
					return err
				}
				v := viewArea(entries, existing.Area)
				result = &AdmissionResult{
					Entry:             existing,
					Position:          positionOf(existing, v),
					NextAvailableDate: domain.NextAvailable(now, v.active, v.earliestEnd),
					Duplicate:         true,
				}
				return nil
			}
		}

		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ListingID != ne.ListingID || !e.Status.IsLive() {
				continue
			}
			if !ne.Prepaid {
				return domain.ErrAlreadyQueued
			}
			result, err = bindCheckout(tx, e, ne, entries, now)
			return err
		}

		v := viewArea(entries, ne.Area)
		free := v.occupied < domain.MaxActivePerArea && v.unclaimedWaiting() == 0

		seq, err := tx.Bucket(bucketEntries).NextSequence()
		if err != nil {
			return err
		}
		e := &domain.QueueEntry{
			ID:                    int64(seq),
			ListingID:             ne.ListingID,
			OwnerID:               ne.OwnerID,
			Area:                  ne.Area,
			RequestedAt:           now,
			PaymentMethodID:       ne.PaymentMethodID,
			StripeCustomerID:      ne.StripeCustomerID,
			PriceLockedCents:      ne.PriceLockedCents,
			Currency:              ne.Currency,
			StripePaymentIntentID: ne.PaymentIntentID,
			ConsentHash:           ne.ConsentHash,
			Prepaid:               ne.Prepaid,
			CheckoutSessionID:     ne.CheckoutSessionID,
			CreatedAt:             now,
			UpdatedAt:             now,
		}

		switch {
		case ne.Prepaid && free:
			e.Activate(now)
		case ne.Prepaid:
			e.Status = domain.StatusPending
		default:
			e.Status = domain.StatusPendingReady
		}

		if err := putEntry(tx, e); err != nil {
			return err
		}
		if ne.CheckoutSessionID != "" {
			if err := tx.Bucket(bucketCheckoutSessions).Put([]byte(ne.CheckoutSessionID), idKey(e.ID)); err != nil {
				return err
			}
		}

		active := v.active
		if e.Status == domain.StatusActive {
			active++
			if v.earliestEnd == nil || e.EndsAt.Before(*v.earliestEnd) {
				v.earliestEnd = e.EndsAt
			}
		} else {
			v.waiting = append(v.waiting, e)
		}

		result = &AdmissionResult{
			Entry:             copyEntry(e),
			Position:          positionOf(e, v),
			NextAvailableDate: domain.NextAvailable(now, active, v.earliestEnd),
			SlotAvailable:     !ne.Prepaid && free,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// bindCheckout attaches a paid checkout to the listing's live entry. Only an idle,
// unpaid waiting entry can take it; the entry keeps its place in line.
func bindCheckout(tx *bbolt.Tx, e *domain.QueueEntry, ne *NewEntry, entries []*domain.QueueEntry, now time.Time) (*AdmissionResult, error) {
	if e.Prepaid || !claimable(e) {
		return nil, fmt.Errorf("%w: entry %d is %s", domain.ErrCheckoutUnbound, e.ID, e.Status)
	}

	v := viewArea(entries, e.Area)
	ahead := false
	for _, w := range v.waiting {
		if w.ID != e.ID && claimable(w) && fifoLess(w, e) {
			ahead = true
			break
		}
	}

	e.Prepaid = true
	e.StripePaymentIntentID = ne.PaymentIntentID
	e.CheckoutSessionID = ne.CheckoutSessionID
	e.UpdatedAt = now
	if v.occupied < domain.MaxActivePerArea && !ahead {
		e.Activate(now)
	} else {
		e.Status = domain.StatusPending
	}

	if err := putEntry(tx, e); err != nil {
		return nil, err
	}
	if ne.CheckoutSessionID != "" {
		if err := tx.Bucket(bucketCheckoutSessions).Put([]byte(ne.CheckoutSessionID), idKey(e.ID)); err != nil {
			return nil, err
		}
	}

	// e is shared with entries, so the view reflects the update
	v = viewArea(entries, e.Area)
	return &AdmissionResult{
		Entry:             copyEntry(e),
		Position:          positionOf(e, v),
		NextAvailableDate: domain.NextAvailable(now, v.active, v.earliestEnd),
	}, nil
}

func (s *BoltPlacementStore) lease(tx *bbolt.Tx, e *domain.QueueEntry, now time.Time, lease time.Duration) (*domain.Task, error) {
	exp := now.Add(lease)
	e.ProcessingExpiresAt = &exp
	e.ProcessingToken = uuid.NewString()
	e.UpdatedAt = now
	if err := putEntry(tx, e); err != nil {
		return nil, err
	}
	return &domain.Task{Entry: copyEntry(e), LeaseToken: e.ProcessingToken}, nil
}

// ClaimReconciliationTasks leases step-ups and in-flight charges that carry a processor reference
func (s *BoltPlacementStore) ClaimReconciliationTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}

		var candidates []*domain.QueueEntry
		for _, e := range entries {
			if !hasCharge(e) || e.HasLease() {
				continue
			}
			if e.Status == domain.StatusRequiresAction || e.Status == domain.StatusPendingReady {
				candidates = append(candidates, e)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt) })

		for _, e := range candidates {
			if len(tasks) >= limit {
				break
			}
			t, err := s.lease(tx, e, now, lease)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

// ClaimPromotionTasks leases waiting entries area by area in FIFO order, never beyond free capacity
func (s *BoltPlacementStore) ClaimPromotionTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}

		budget := map[string]int{}
		var candidates []*domain.QueueEntry
		for _, e := range entries {
			if !claimable(e) {
				continue
			}
			if _, seen := budget[e.Area]; !seen {
				budget[e.Area] = domain.MaxActivePerArea - viewArea(entries, e.Area).occupied
			}
			candidates = append(candidates, e)
		}
		sort.Slice(candidates, func(i, j int) bool { return fifoLess(candidates[i], candidates[j]) })

		for _, e := range candidates {
			if len(tasks) >= limit {
				break
			}
			if budget[e.Area] <= 0 {
				continue
			}
			budget[e.Area]--
			t, err := s.lease(tx, e, now, lease)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

// ClaimEntryForPromotion leases one entry if it is at the head of its area and a slot is free
func (s *BoltPlacementStore) ClaimEntryForPromotion(ctx context.Context, entryID int64, lease time.Duration) (*domain.Task, error) {
	var task *domain.Task

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		if !claimable(e) {
			return nil
		}

		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		v := viewArea(entries, e.Area)
		if v.occupied >= domain.MaxActivePerArea {
			return nil
		}
		for _, w := range v.waiting {
			if claimable(w) {
				if w.ID != e.ID {
					return nil
				}
				break
			}
		}

		task, err = s.lease(tx, e, now, lease)
		return err
	})
	return task, err
}

// ReconcileAndFinalize applies a status transition for the lease holder and releases the lease
func (s *BoltPlacementStore) ReconcileAndFinalize(ctx context.Context, f *Finalize) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		e, err := getEntry(tx, f.EntryID)
		if err != nil {
			return err
		}
		if f.LeaseToken == "" || e.ProcessingToken != f.LeaseToken {
			return domain.ErrLeaseLost
		}
		if !e.Status.CanTransitionTo(f.Status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, e.Status, f.Status)
		}

		if f.Status == domain.StatusActive {
			entries, err := allEntries(tx)
			if err != nil {
				return err
			}
			if viewArea(entries, e.Area).active >= domain.MaxActivePerArea {
				return domain.ErrCapacityRaceLost
			}
		}

		if f.PaymentIntentID != "" {
			e.StripePaymentIntentID = f.PaymentIntentID
		}
		if f.IncrementAttempt {
			e.PromotionAttempt++
		}
		if f.FailureCode != "" {
			e.FailureCode = f.FailureCode
		}

		switch f.Status {
		case domain.StatusActive:
			e.Activate(now)
		case domain.StatusRequiresAction:
			if f.RequiresActionExpiresAt != nil {
				deadline := f.RequiresActionExpiresAt.UTC()
				e.RequiresActionExpiresAt = &deadline
			}
			if e.RequiresActionExpiresAt == nil {
				return fmt.Errorf("%w: requires_action needs a deadline", domain.ErrInvalidTransition)
			}
			e.Status = f.Status
		default:
			e.Status = f.Status
		}

		e.ClearLease()
		e.UpdatedAt = now
		if err := putEntry(tx, e); err != nil {
			return err
		}
		out = copyEntry(e)
		return nil
	})
	return out, err
}

// CleanupStuckProcessing handles leases past expiry
func (s *BoltPlacementStore) CleanupStuckProcessing(ctx context.Context, lease time.Duration) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if !e.HasLease() || e.IsLeased(now) {
				continue
			}
			if !hasCharge(e) {
				e.ClearLease()
				e.UpdatedAt = now
				if err := putEntry(tx, e); err != nil {
					return err
				}
				continue
			}
			t, err := s.lease(tx, e, now, lease)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	return tasks, err
}

// ExpireFinishedSlots moves active entries past ends_at to expired
func (s *BoltPlacementStore) ExpireFinishedSlots(ctx context.Context) ([]*domain.QueueEntry, error) {
	return s.bulkTransition(func(e *domain.QueueEntry, now time.Time) bool {
		if e.Status != domain.StatusActive || e.EndsAt == nil || e.EndsAt.After(now) {
			return false
		}
		e.Status = domain.StatusExpired
		return true
	})
}

// ExpireStalledActions fails step-ups whose deadline passed, counting a definitive failure
func (s *BoltPlacementStore) ExpireStalledActions(ctx context.Context) ([]*domain.QueueEntry, error) {
	return s.bulkTransition(func(e *domain.QueueEntry, now time.Time) bool {
		if e.Status != domain.StatusRequiresAction || e.RequiresActionExpiresAt == nil || e.RequiresActionExpiresAt.After(now) {
			return false
		}
		e.Status = domain.StatusPaymentFailed
		e.PromotionAttempt++
		e.FailureCode = "step_up_expired"
		return true
	})
}

func (s *BoltPlacementStore) bulkTransition(apply func(e *domain.QueueEntry, now time.Time) bool) ([]*domain.QueueEntry, error) {
	var changed []*domain.QueueEntry

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !apply(e, now) {
				continue
			}
			e.ClearLease()
			e.UpdatedAt = now
			if err := putEntry(tx, e); err != nil {
				return err
			}
			changed = append(changed, copyEntry(e))
		}
		return nil
	})
	return changed, err
}

// AttemptNotificationUpdate is the compare-and-set behind the notification gate
func (s *BoltPlacementStore) AttemptNotificationUpdate(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error) {
	claimed := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		if e.Status != status || e.LastNotifiedStatus == status {
			return nil
		}
		e.LastNotifiedStatus = status
		claimed = true
		return putEntry(tx, e)
	})
	return claimed, err
}

// Capacity answers the Capacity Oracle query from one read transaction
func (s *BoltPlacementStore) Capacity(ctx context.Context, area string) (*domain.AreaCapacity, error) {
	var out *domain.AreaCapacity

	err := s.db.View(func(tx *bbolt.Tx) error {
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		v := viewArea(entries, area)
		out = &domain.AreaCapacity{
			Area:              area,
			TotalCount:        v.active,
			PendingCount:      len(v.waiting),
			NextAvailableDate: domain.NextAvailable(s.clock(), v.active, v.earliestEnd),
			MaxSlots:          domain.MaxActivePerArea,
		}
		return nil
	})
	return out, err
}

// GetEntry returns one entry
func (s *BoltPlacementStore) GetEntry(ctx context.Context, entryID int64) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = getEntry(tx, entryID)
		return err
	})
	return out, err
}

// QueuePosition returns the entry's position as reported to its owner
func (s *BoltPlacementStore) QueuePosition(ctx context.Context, entryID int64) (int, error) {
	pos := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, entryID)
		if err != nil {
			return err
		}
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		pos = positionOf(e, viewArea(entries, e.Area))
		return nil
	})
	return pos, err
}

// RequeueFailedEntry puts a payment_failed entry back in line with a new payment method
func (s *BoltPlacementStore) RequeueFailedEntry(ctx context.Context, r *Requeue) (*domain.QueueEntry, error) {
	var out *domain.QueueEntry

	err := s.db.Update(func(tx *bbolt.Tx) error {
		now := s.clock()
		e, err := getEntry(tx, r.EntryID)
		if err != nil {
			return err
		}
		if e.Status != domain.StatusPaymentFailed {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, e.Status, domain.StatusPendingReady)
		}

		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		for _, other := range entries {
			if other.ID != e.ID && other.ListingID == e.ListingID && other.Status.IsLive() {
				return domain.ErrAlreadyQueued
			}
		}

		e.Status = domain.StatusPendingReady
		e.PaymentMethodID = r.PaymentMethodID
		if r.ConsentHash != "" {
			e.ConsentHash = r.ConsentHash
		}
		e.StripePaymentIntentID = ""
		e.FailureCode = ""
		e.RequiresActionExpiresAt = nil
		e.LastNotifiedStatus = domain.StatusPendingReady
		e.ClearLease()
		e.UpdatedAt = now
		if err := putEntry(tx, e); err != nil {
			return err
		}
		out = copyEntry(e)
		return nil
	})
	return out, err
}

// CleanupTerminalEntries deletes terminal entries untouched for longer than grace
func (s *BoltPlacementStore) CleanupTerminalEntries(ctx context.Context, grace time.Duration) (int, error) {
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		cutoff := s.clock().Add(-grace)
		entries, err := allEntries(tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Status.IsTerminal() || e.UpdatedAt.After(cutoff) {
				continue
			}
			if err := tx.Bucket(bucketEntries).Delete(idKey(e.ID)); err != nil {
				return err
			}
			if e.CheckoutSessionID != "" {
				if err := tx.Bucket(bucketCheckoutSessions).Delete([]byte(e.CheckoutSessionID)); err != nil {
					return err
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RecordWebhookEvent stores a processor event id once
func (s *BoltPlacementStore) RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWebhookEvents)
		if b.Get([]byte(eventID)) != nil {
			return nil
		}
		fresh = true
		return b.Put([]byte(eventID), []byte(eventType))
	})
	return fresh, err
}
