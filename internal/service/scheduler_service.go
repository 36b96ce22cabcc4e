package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/metrics"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

// Failure codes recorded when reconciliation fails an entry
const (
	FailureIntentCanceled = "payment_intent_canceled"
	FailureMethodRejected = "requires_payment_method"
)

// Promotion is the outcome of promoting one entry
type Promotion struct {
	Entry        *domain.QueueEntry
	ClientSecret string
	Result       *dto.TaskResult
}

// SchedulerService drives entries through expiry, reconciliation and promotion.
// Runs are stateless and may overlap; all coordination happens in the store.
type SchedulerService interface {
	Run(ctx context.Context) (*dto.SchedulerRunResponse, error)
	// PromoteNow claims and charges one entry if it is next in line and a slot is free.
	// Returns nil when the entry could not be claimed.
	PromoteNow(ctx context.Context, entryID int64) (*Promotion, error)
}

// SchedulerServiceConfig contains configuration for the scheduler
type SchedulerServiceConfig struct {
	BatchSize       int
	ProcessingLease time.Duration
	StepUpWindow    time.Duration
	CleanupGrace    time.Duration
	// Now is the clock used for step-up deadlines
	Now func() time.Time
}

type schedulerService struct {
	store    repository.PlacementStore
	gateway  gateway.PaymentGateway
	notifier NotificationService
	log      *logger.Logger

	batchSize    int
	lease        time.Duration
	stepUpWindow time.Duration
	cleanupGrace time.Duration
	now          func() time.Time
}

// NewSchedulerService creates a new scheduler service
func NewSchedulerService(
	store repository.PlacementStore,
	gw gateway.PaymentGateway,
	notifications NotificationService,
	log *logger.Logger,
	cfg *SchedulerServiceConfig,
) SchedulerService {
	s := &schedulerService{
		store:        store,
		gateway:      gw,
		notifier:     notifications,
		log:          log,
		batchSize:    10,
		lease:        5 * time.Minute,
		stepUpWindow: 23 * time.Hour,
		cleanupGrace: 30 * 24 * time.Hour,
		now:          time.Now,
	}
	if log == nil {
		s.log = logger.Get()
	}

	if cfg != nil {
		if cfg.BatchSize > 0 {
			s.batchSize = cfg.BatchSize
		}
		if cfg.ProcessingLease > 0 {
			s.lease = cfg.ProcessingLease
		}
		if cfg.StepUpWindow > 0 {
			s.stepUpWindow = cfg.StepUpWindow
		}
		if cfg.CleanupGrace > 0 {
			s.cleanupGrace = cfg.CleanupGrace
		}
		if cfg.Now != nil {
			s.now = cfg.Now
		}
	}
	return s
}

// run collects per-task results and log lines for one invocation
type run struct {
	id   string
	log  *logger.Logger
	resp *dto.SchedulerRunResponse
}

func (r *run) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	r.resp.Logs = append(r.resp.Logs, line)
	r.log.Info(line, zap.String("run_id", r.id))
}

func (r *run) stepFailed(ctx context.Context, step string, err error) {
	r.resp.Success = false
	line := fmt.Sprintf("%s: step failed: %v", step, err)
	r.resp.Logs = append(r.resp.Logs, line)
	r.log.ErrorContext(ctx, line, zap.String("run_id", r.id))
	metrics.RecordTaskError(ctx, step)
}

func (r *run) add(res *dto.TaskResult) {
	if res == nil {
		return
	}
	r.resp.Results = append(r.resp.Results, res)
	if res.Error != "" {
		r.logf("%s: entry %d %s: %s", res.Step, res.EntryID, res.From, res.Error)
		return
	}
	r.logf("%s: entry %d %s -> %s", res.Step, res.EntryID, res.From, res.To)
}

// Run executes one scheduler pass. A failing step or task never aborts the rest.
func (s *schedulerService) Run(ctx context.Context) (*dto.SchedulerRunResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.run")
	defer span.End()

	started := time.Now()
	r := &run{
		id:  uuid.NewString(),
		log: s.log,
		resp: &dto.SchedulerRunResponse{
			Success: true,
			Results: []*dto.TaskResult{},
			Logs:    []string{},
		},
	}
	r.resp.RunID = r.id
	span.SetAttributes(attribute.String("run_id", r.id))

	s.expireSlots(ctx, r)

	if tasks, err := s.store.ClaimReconciliationTasks(ctx, s.batchSize, s.lease); err != nil {
		r.stepFailed(ctx, dto.StepReconcile, err)
	} else {
		for _, task := range tasks {
			r.add(s.reconcile(ctx, task, dto.StepReconcile))
		}
	}

	if tasks, err := s.store.CleanupStuckProcessing(ctx, s.lease); err != nil {
		r.stepFailed(ctx, dto.StepRecover, err)
	} else {
		for _, task := range tasks {
			r.add(s.reconcile(ctx, task, dto.StepRecover))
		}
	}

	// after reconciliation, so a step-up completed just before its deadline activates
	s.expireStepUps(ctx, r)

	if tasks, err := s.store.ClaimPromotionTasks(ctx, s.batchSize, s.lease); err != nil {
		r.stepFailed(ctx, dto.StepPromote, err)
	} else {
		for _, task := range tasks {
			r.add(s.promote(ctx, task).Result)
		}
	}

	if removed, err := s.store.CleanupTerminalEntries(ctx, s.cleanupGrace); err != nil {
		r.stepFailed(ctx, dto.StepCleanup, err)
	} else if removed > 0 {
		r.logf("%s: removed %d terminal entries", dto.StepCleanup, removed)
	}

	elapsed := time.Since(started)
	metrics.RecordRun(ctx, elapsed.Seconds())
	span.SetAttributes(attribute.Int("results", len(r.resp.Results)))
	if !r.resp.Success {
		span.SetStatus(codes.Error, "one or more steps failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.log.Info(fmt.Sprintf("Scheduler run %s finished in %v with %d results", r.id, elapsed, len(r.resp.Results)))
	return r.resp, nil
}

func (s *schedulerService) expireSlots(ctx context.Context, r *run) {
	finished, err := s.store.ExpireFinishedSlots(ctx)
	if err != nil {
		r.stepFailed(ctx, dto.StepExpire, err)
	}
	for _, e := range finished {
		r.add(s.transitioned(ctx, e, dto.StepExpire, domain.StatusActive))
	}
}

func (s *schedulerService) expireStepUps(ctx context.Context, r *run) {
	stalled, err := s.store.ExpireStalledActions(ctx)
	if err != nil {
		r.stepFailed(ctx, dto.StepExpire, err)
	}
	for _, e := range stalled {
		r.add(s.transitioned(ctx, e, dto.StepExpire, domain.StatusRequiresAction))
		s.cancelAbandoned(ctx, r, e)
	}
}

// cancelAbandoned closes the intent of an expired step-up so the customer can no
// longer complete a charge for a failed entry
func (s *schedulerService) cancelAbandoned(ctx context.Context, r *run, e *domain.QueueEntry) {
	if e.Prepaid || e.StripePaymentIntentID == "" {
		return
	}

	info, err := s.gateway.CancelPaymentIntent(ctx, e.StripePaymentIntentID)
	if err != nil {
		r.stepFailed(ctx, dto.StepExpire, fmt.Errorf("cancel payment intent %s for entry %d: %w", e.StripePaymentIntentID, e.ID, err))
		return
	}
	if info.Status == gateway.IntentSucceeded {
		r.stepFailed(ctx, dto.StepExpire, fmt.Errorf("payment intent %s for entry %d succeeded after its step-up expired, refund required",
			e.StripePaymentIntentID, e.ID))
		return
	}
	r.logf("%s: entry %d canceled payment intent %s", dto.StepExpire, e.ID, info.ID)
}

// transitioned records and notifies a transition the store already applied
func (s *schedulerService) transitioned(ctx context.Context, e *domain.QueueEntry, step string, from domain.EntryStatus) *dto.TaskResult {
	metrics.RecordFinalization(ctx, step, string(from), string(e.Status))
	if e.Status != from {
		s.notifier.Notify(ctx, e)
	}
	return &dto.TaskResult{
		EntryID:         e.ID,
		Step:            step,
		From:            string(from),
		To:              string(e.Status),
		PaymentIntentID: e.StripePaymentIntentID,
	}
}

func (s *schedulerService) finalize(ctx context.Context, task *domain.Task, step string, f *repository.Finalize) (*domain.QueueEntry, *dto.TaskResult, error) {
	from := task.Entry.Status
	f.EntryID = task.Entry.ID
	f.LeaseToken = task.LeaseToken

	entry, err := s.store.ReconcileAndFinalize(ctx, f)
	if err != nil {
		metrics.RecordTaskError(ctx, step)
		return nil, &dto.TaskResult{
			EntryID:         task.Entry.ID,
			Step:            step,
			From:            string(from),
			To:              string(f.Status),
			PaymentIntentID: f.PaymentIntentID,
			Error:           err.Error(),
		}, err
	}
	return entry, s.transitioned(ctx, entry, step, from), nil
}

// release gives the lease back without changing the status. cause, when set,
// is reported as the task error.
func (s *schedulerService) release(ctx context.Context, task *domain.Task, step, paymentIntentID string, cause error) (*domain.QueueEntry, *dto.TaskResult) {
	entry, res, err := s.finalize(ctx, task, step, &repository.Finalize{
		Status:          task.Entry.Status,
		PaymentIntentID: paymentIntentID,
	})
	if err == nil && cause != nil {
		res.Error = cause.Error()
		metrics.RecordTaskError(ctx, step)
	}
	return entry, res
}

// reconcile asks the processor for the truth about an entry that already has a payment intent
func (s *schedulerService) reconcile(ctx context.Context, task *domain.Task, step string) *dto.TaskResult {
	e := task.Entry

	info, err := s.gateway.GetPaymentIntent(ctx, e.StripePaymentIntentID)
	if err != nil {
		s.log.WarnContext(ctx, fmt.Sprintf("Failed to read payment intent %s for entry %d", e.StripePaymentIntentID, e.ID), zap.Error(err))
		_, res := s.release(ctx, task, step, "", err)
		return res
	}

	f := &repository.Finalize{PaymentIntentID: info.ID}
	switch {
	case info.Status == gateway.IntentSucceeded:
		f.Status = domain.StatusActive
	case info.Status == gateway.IntentCanceled:
		f.Status = domain.StatusPaymentFailed
		f.IncrementAttempt = true
		f.FailureCode = FailureIntentCanceled
	case e.Status == domain.StatusPendingReady && info.Status == gateway.IntentRequiresPaymentMethod:
		f.Status = domain.StatusPaymentFailed
		f.IncrementAttempt = true
		f.FailureCode = FailureMethodRejected
	case e.Status == domain.StatusPendingReady && info.Status == gateway.IntentRequiresAction:
		deadline := s.now().Add(s.stepUpWindow)
		f.Status = domain.StatusRequiresAction
		f.RequiresActionExpiresAt = &deadline
	default:
		f.Status = e.Status
	}

	_, res, err := s.finalize(ctx, task, step, f)
	if errors.Is(err, domain.ErrCapacityRaceLost) {
		_, res = s.release(ctx, task, step, "", err)
	}
	return res
}

// promote charges a claimed waiting entry and finalizes the outcome
func (s *schedulerService) promote(ctx context.Context, task *domain.Task) *Promotion {
	e := task.Entry
	ctx, span := telemetry.StartSpan(ctx, "service.scheduler.promote")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("entry_id", e.ID),
		attribute.String("area", e.Area),
		attribute.Int("promotion_attempt", e.PromotionAttempt),
	)

	if e.Prepaid {
		entry, res, err := s.finalize(ctx, task, dto.StepPromote, &repository.Finalize{Status: domain.StatusActive})
		if errors.Is(err, domain.ErrCapacityRaceLost) {
			entry, res = s.release(ctx, task, dto.StepPromote, "", err)
		}
		return &Promotion{Entry: entry, Result: res}
	}

	started := time.Now()
	charge, err := s.gateway.ChargeOffSession(ctx, &gateway.OffSessionChargeRequest{
		AmountCents:     e.PriceLockedCents,
		Currency:        e.Currency,
		CustomerID:      e.StripeCustomerID,
		PaymentMethodID: e.PaymentMethodID,
		IdempotencyKey:  domain.IdempotencyKey(e.ID, e.PromotionAttempt),
		Description:     fmt.Sprintf("Featured placement for listing %s in %s", e.ListingID, e.Area),
		Metadata: map[string]string{
			"purpose":    "featured_placement",
			"entry_id":   strconv.FormatInt(e.ID, 10),
			"listing_id": e.ListingID,
			"area":       e.Area,
			"attempt":    strconv.Itoa(e.PromotionAttempt),
		},
	})
	if err != nil {
		metrics.RecordCharge(ctx, "error", time.Since(started).Seconds())
		telemetry.RecordError(span, err)
		s.log.WarnContext(ctx, fmt.Sprintf("Charge for entry %d failed, will retry on a later run", e.ID), zap.Error(err))
		entry, res := s.release(ctx, task, dto.StepPromote, "", err)
		return &Promotion{Entry: entry, Result: res}
	}
	metrics.RecordCharge(ctx, string(charge.Outcome), time.Since(started).Seconds())

	f := &repository.Finalize{PaymentIntentID: charge.PaymentIntentID}
	switch charge.Outcome {
	case gateway.OutcomeSucceeded:
		f.Status = domain.StatusActive
	case gateway.OutcomeRequiresAction:
		deadline := s.now().Add(s.stepUpWindow)
		f.Status = domain.StatusRequiresAction
		f.RequiresActionExpiresAt = &deadline
	case gateway.OutcomeDeclined:
		f.Status = domain.StatusPaymentFailed
		f.IncrementAttempt = true
		f.FailureCode = charge.FailureCode
	default:
		// processing: keep the reference, reconciliation picks it up
		f.Status = domain.StatusPendingReady
	}

	entry, res, err := s.finalize(ctx, task, dto.StepPromote, f)
	if errors.Is(err, domain.ErrCapacityRaceLost) {
		// record the charge so reconciliation activates it once a slot frees
		entry, res = s.release(ctx, task, dto.StepPromote, charge.PaymentIntentID, err)
	}
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	p := &Promotion{Entry: entry, Result: res}
	if entry != nil && entry.Status == domain.StatusRequiresAction {
		p.ClientSecret = charge.ClientSecret
	}
	return p
}

func (s *schedulerService) PromoteNow(ctx context.Context, entryID int64) (*Promotion, error) {
	task, err := s.store.ClaimEntryForPromotion(ctx, entryID, s.lease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim entry %d: %w", entryID, err)
	}
	if task == nil {
		return nil, nil
	}
	return s.promote(ctx, task), nil
}
