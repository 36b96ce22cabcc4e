package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/pkg/database"
)

// SQLSTATEs raised by the placement procedures
const (
	codeLeaseLost         = "FP001"
	codeInvalidTransition = "FP002"
	codeEntryNotFound     = "FP003"
	codeCheckoutUnbound   = "FP004"

	constraintLiveEntry = "featured_one_live_entry_per_listing"
	constraintActiveCap = "featured_active_cap"
)

const entryColumns = `
	id, listing_id, owner_id, area, status, started_at, ends_at, requested_at,
	payment_method_id, stripe_customer_id, price_locked_cents, currency,
	stripe_payment_intent_id, promotion_attempt, processing_expires_at, processing_token::text,
	requires_action_expires_at, last_notified_status, consent_hash, prepaid,
	checkout_session_id, failure_code, created_at, updated_at`

// PostgresPlacementStore implements PlacementStore on the PL/pgSQL procedures
// shipped in migrations/. Each method is a single statement or transaction.
type PostgresPlacementStore struct {
	db *database.PostgresDB
}

// NewPostgresPlacementStore creates a new PostgreSQL placement store
func NewPostgresPlacementStore(db *database.PostgresDB) *PostgresPlacementStore {
	return &PostgresPlacementStore{db: db}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func leaseSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func scanEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		e                                          domain.QueueEntry
		status                                     string
		paymentMethodID, customerID, intentID      *string
		token, lastNotified, consentHash, checkout *string
		failureCode                                *string
	)

	err := row.Scan(
		&e.ID, &e.ListingID, &e.OwnerID, &e.Area, &status, &e.StartedAt, &e.EndsAt, &e.RequestedAt,
		&paymentMethodID, &customerID, &e.PriceLockedCents, &e.Currency,
		&intentID, &e.PromotionAttempt, &e.ProcessingExpiresAt, &token,
		&e.RequiresActionExpiresAt, &lastNotified, &consentHash, &e.Prepaid,
		&checkout, &failureCode, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = domain.EntryStatus(status)
	e.PaymentMethodID = derefString(paymentMethodID)
	e.StripeCustomerID = derefString(customerID)
	e.StripePaymentIntentID = derefString(intentID)
	e.ProcessingToken = derefString(token)
	e.LastNotifiedStatus = domain.EntryStatus(derefString(lastNotified))
	e.ConsentHash = derefString(consentHash)
	e.CheckoutSessionID = derefString(checkout)
	e.FailureCode = derefString(failureCode)
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*domain.QueueEntry, error) {
	defer rows.Close()

	var entries []*domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func asTasks(entries []*domain.QueueEntry) []*domain.Task {
	tasks := make([]*domain.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, &domain.Task{Entry: e, LeaseToken: e.ProcessingToken})
	}
	return tasks
}

// mapError translates procedure and constraint failures into domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrEntryNotFound
	}

	switch database.SQLState(err) {
	case database.CodeUniqueViolation:
		if database.ConstraintName(err) == constraintLiveEntry {
			return domain.ErrAlreadyQueued
		}
	case database.CodeCheckViolation:
		if database.ConstraintName(err) == constraintActiveCap {
			return domain.ErrCapacityRaceLost
		}
	case database.CodeSerializationFailure, database.CodeDeadlockDetected:
		return domain.ErrCapacityRaceLost
	case codeLeaseLost:
		return domain.ErrLeaseLost
	case codeInvalidTransition:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, err.Error())
	case codeEntryNotFound:
		return domain.ErrEntryNotFound
	case codeCheckoutUnbound:
		return fmt.Errorf("%w: %s", domain.ErrCheckoutUnbound, err.Error())
	}
	return err
}

func (s *PostgresPlacementStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*domain.QueueEntry, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	entries, err := collectEntries(rows)
	return entries, mapError(err)
}

// InsertVerifiedQueueEntry calls insert_verified_queue_entry and loads the row in the same transaction
func (s *PostgresPlacementStore) InsertVerifiedQueueEntry(ctx context.Context, ne *NewEntry) (*AdmissionResult, error) {
	var result AdmissionResult

	err := s.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		var entryID int64
		err := tx.QueryRow(ctx, `
			SELECT entry_id, queue_position, next_available, slot_available, duplicate
			FROM insert_verified_queue_entry($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			ne.ListingID, ne.OwnerID, ne.Area,
			nullString(ne.PaymentMethodID), nullString(ne.StripeCustomerID),
			ne.PriceLockedCents, ne.Currency, nullString(ne.ConsentHash), ne.Prepaid,
			nullString(ne.CheckoutSessionID), nullString(ne.PaymentIntentID),
		).Scan(&entryID, &result.Position, &result.NextAvailableDate, &result.SlotAvailable, &result.Duplicate)
		if err != nil {
			return err
		}

		result.Entry, err = scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM featured_queue_entries WHERE id = $1`, entryID))
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &result, nil
}

// ClaimReconciliationTasks leases step-ups and in-flight charges with SKIP LOCKED
func (s *PostgresPlacementStore) ClaimReconciliationTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM claim_reconciliation_tasks($1, $2)`, limit, leaseSeconds(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim reconciliation tasks: %w", err)
	}
	return asTasks(entries), nil
}

// ClaimPromotionTasks leases waiting entries in FIFO order within each area's free budget
func (s *PostgresPlacementStore) ClaimPromotionTasks(ctx context.Context, limit int, lease time.Duration) ([]*domain.Task, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM claim_promotion_tasks($1, $2)`, limit, leaseSeconds(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim promotion tasks: %w", err)
	}
	return asTasks(entries), nil
}

func (s *PostgresPlacementStore) ClaimEntryForPromotion(ctx context.Context, entryID int64, lease time.Duration) (*domain.Task, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM claim_entry_for_promotion($1, $2)`, entryID, leaseSeconds(lease))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return asTasks(entries)[0], nil
}

// ReconcileAndFinalize applies the transition and releases the lease
func (s *PostgresPlacementStore) ReconcileAndFinalize(ctx context.Context, f *Finalize) (*domain.QueueEntry, error) {
	if f.LeaseToken == "" {
		return nil, domain.ErrLeaseLost
	}

	var entry *domain.QueueEntry
	err := s.db.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		var err error
		entry, err = scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM reconcile_and_finalize($1, $2::uuid, $3, $4, $5, $6, $7)`,
			f.EntryID, f.LeaseToken, string(f.Status), nullString(f.PaymentIntentID),
			f.IncrementAttempt, nullString(f.FailureCode), f.RequiresActionExpiresAt,
		))
		return err
	})
	if err != nil {
		return nil, mapError(err)
	}
	return entry, nil
}

func (s *PostgresPlacementStore) CleanupStuckProcessing(ctx context.Context, lease time.Duration) ([]*domain.Task, error) {
	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM cleanup_stuck_processing($1)`, leaseSeconds(lease))
	if err != nil {
		return nil, fmt.Errorf("failed to clean up stuck processing: %w", err)
	}
	return asTasks(entries), nil
}

func (s *PostgresPlacementStore) ExpireFinishedSlots(ctx context.Context) ([]*domain.QueueEntry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM expire_finished_slots()`)
	if err != nil {
		return nil, fmt.Errorf("failed to expire finished slots: %w", err)
	}
	return entries, nil
}

func (s *PostgresPlacementStore) ExpireStalledActions(ctx context.Context) ([]*domain.QueueEntry, error) {
	entries, err := s.queryEntries(ctx, `SELECT `+entryColumns+` FROM expire_stalled_actions()`)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stalled actions: %w", err)
	}
	return entries, nil
}

// AttemptNotificationUpdate is the compare-and-set behind the notification gate
func (s *PostgresPlacementStore) AttemptNotificationUpdate(ctx context.Context, entryID int64, status domain.EntryStatus) (bool, error) {
	var claimed bool
	err := s.db.Pool().QueryRow(ctx,
		`SELECT attempt_notification_update($1, $2)`, entryID, string(status)).Scan(&claimed)
	if err != nil {
		return false, fmt.Errorf("failed to update notification status: %w", mapError(err))
	}
	return claimed, nil
}

// Capacity reads the area counts in one statement
func (s *PostgresPlacementStore) Capacity(ctx context.Context, area string) (*domain.AreaCapacity, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'active'),
			count(*) FILTER (WHERE status IN ('pending', 'pending_ready')),
			featured_next_available($1)
		FROM featured_queue_entries
		WHERE area = $1`

	c := &domain.AreaCapacity{Area: area, MaxSlots: domain.MaxActivePerArea}
	if err := s.db.Pool().QueryRow(ctx, query, area).Scan(&c.TotalCount, &c.PendingCount, &c.NextAvailableDate); err != nil {
		return nil, fmt.Errorf("failed to read capacity: %w", err)
	}
	c.NextAvailableDate = c.NextAvailableDate.UTC()
	return c, nil
}

func (s *PostgresPlacementStore) GetEntry(ctx context.Context, entryID int64) (*domain.QueueEntry, error) {
	e, err := scanEntry(s.db.Pool().QueryRow(ctx,
		`SELECT `+entryColumns+` FROM featured_queue_entries WHERE id = $1`, entryID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

func (s *PostgresPlacementStore) QueuePosition(ctx context.Context, entryID int64) (int, error) {
	var pos *int
	if err := s.db.Pool().QueryRow(ctx, `SELECT featured_position($1)`, entryID).Scan(&pos); err != nil {
		return 0, fmt.Errorf("failed to get queue position: %w", err)
	}
	if pos == nil {
		return 0, domain.ErrEntryNotFound
	}
	return *pos, nil
}

func (s *PostgresPlacementStore) RequeueFailedEntry(ctx context.Context, r *Requeue) (*domain.QueueEntry, error) {
	e, err := scanEntry(s.db.Pool().QueryRow(ctx,
		`SELECT `+entryColumns+` FROM requeue_failed_entry($1, $2, $3)`,
		r.EntryID, r.PaymentMethodID, nullString(r.ConsentHash)))
	if err != nil {
		return nil, mapError(err)
	}
	return e, nil
}

func (s *PostgresPlacementStore) CleanupTerminalEntries(ctx context.Context, grace time.Duration) (int, error) {
	var removed int
	if err := s.db.Pool().QueryRow(ctx,
		`SELECT cleanup_terminal_entries($1)`, int64(grace/time.Second)).Scan(&removed); err != nil {
		return 0, fmt.Errorf("failed to clean up terminal entries: %w", err)
	}
	return removed, nil
}

// RecordWebhookEvent inserts the event id; a conflict means it was delivered before
func (s *PostgresPlacementStore) RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx,
		`INSERT INTO featured_webhook_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
