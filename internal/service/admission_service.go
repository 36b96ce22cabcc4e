package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/internal/metrics"
	"github.com/prohmpiriya/featured-placement/internal/repository"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

// AdmissionService is the only way an entry enters the queue
type AdmissionService interface {
	// Join verifies the caller's stored payment method and queues the listing.
	// A listing joining an area with a free slot is charged right away.
	Join(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error)
	// AdmitFromCheckout queues a listing whose placement was paid through checkout
	AdmitFromCheckout(ctx context.Context, req *dto.CheckoutAdmission) (*dto.JoinResponse, error)
	// Requeue puts a payment_failed entry back in line with a new payment method
	Requeue(ctx context.Context, callerID string, entryID int64, req *dto.RequeueRequest) (*dto.EntryResponse, error)
	GetEntry(ctx context.Context, callerID string, entryID int64) (*dto.EntryResponse, error)
}

// AdmissionServiceConfig contains configuration for the admission service
type AdmissionServiceConfig struct {
	PriceCents int64
	Currency   string
}

type admissionService struct {
	store         repository.PlacementStore
	directory     repository.DirectoryRepository
	gateway       gateway.PaymentGateway
	scheduler     SchedulerService
	notifications NotificationService
	validate      *validator.Validate
	log           *logger.Logger
	config        *AdmissionServiceConfig
}

// NewAdmissionService creates a new admission service
func NewAdmissionService(
	store repository.PlacementStore,
	directory repository.DirectoryRepository,
	gw gateway.PaymentGateway,
	scheduler SchedulerService,
	notifications NotificationService,
	log *logger.Logger,
	cfg *AdmissionServiceConfig,
) AdmissionService {
	if cfg == nil {
		cfg = &AdmissionServiceConfig{}
	}
	if cfg.PriceCents <= 0 {
		cfg.PriceCents = 4900
	}
	if cfg.Currency == "" {
		cfg.Currency = "aud"
	}
	if log == nil {
		log = logger.Get()
	}

	return &admissionService{
		store:         store,
		directory:     directory,
		gateway:       gw,
		scheduler:     scheduler,
		notifications: notifications,
		validate:      validator.New(),
		log:           log,
		config:        cfg,
	}
}

// verifiedProof is a payment method proven to belong to the caller's account
type verifiedProof struct {
	customerID      string
	paymentMethodID string
}

// ownedListing loads the listing and checks the caller owns it
func (s *admissionService) ownedListing(ctx context.Context, callerID, listingID string) (*domain.Listing, error) {
	listing, err := s.directory.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.OwnerID != callerID {
		return nil, domain.ErrForbidden
	}
	if strings.TrimSpace(listing.Area) == "" {
		return nil, domain.ErrInvalidArea
	}
	return listing, nil
}

// verifyProof checks the setup intent succeeded and belongs to the caller's payment account
func (s *admissionService) verifyProof(ctx context.Context, callerID, proofID string) (*verifiedProof, error) {
	account, err := s.directory.GetPaymentAccount(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment account: %w", err)
	}
	if account == nil {
		return nil, domain.ErrPreconditionFailed
	}

	si, err := s.gateway.GetSetupIntent(ctx, proofID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, domain.ErrPaymentProofIncomplete
		}
		return nil, fmt.Errorf("failed to verify payment proof: %w", err)
	}
	if !si.Succeeded() || si.PaymentMethodID == "" {
		return nil, domain.ErrPaymentProofIncomplete
	}
	if si.CustomerID != account.StripeCustomerID {
		return nil, domain.ErrPaymentMismatch
	}

	return &verifiedProof{customerID: account.StripeCustomerID, paymentMethodID: si.PaymentMethodID}, nil
}

func (s *admissionService) checkConsent(hash string, required bool) error {
	if hash == "" && !required {
		return nil
	}
	if err := s.validate.Var(hash, "required,len=64,hexadecimal"); err != nil {
		return domain.ErrInvalidConsent
	}
	return nil
}

func (s *admissionService) Join(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.admission.join")
	defer span.End()

	if callerID == "" {
		span.SetStatus(codes.Error, "unauthorized")
		return nil, domain.ErrUnauthorized
	}
	span.SetAttributes(
		attribute.String("user_id", callerID),
		attribute.String("listing_id", req.ListingID),
	)

	if err := s.checkConsent(req.ConsentTextHash, true); err != nil {
		return nil, s.rejected(ctx, span, "invalid_consent", err)
	}

	listing, err := s.ownedListing(ctx, callerID, req.ListingID)
	if err != nil {
		return nil, s.rejected(ctx, span, "ownership", err)
	}
	span.SetAttributes(attribute.String("area", listing.Area))

	proof, err := s.verifyProof(ctx, callerID, req.PaymentProofID)
	if err != nil {
		return nil, s.rejected(ctx, span, "payment_proof", err)
	}

	result, err := s.store.InsertVerifiedQueueEntry(ctx, &repository.NewEntry{
		ListingID:        listing.ID,
		OwnerID:          callerID,
		Area:             listing.Area,
		PaymentMethodID:  proof.paymentMethodID,
		StripeCustomerID: proof.customerID,
		PriceLockedCents: s.config.PriceCents,
		Currency:         s.config.Currency,
		ConsentHash:      strings.ToLower(req.ConsentTextHash),
	})
	if err != nil {
		return nil, s.rejected(ctx, span, "insert", err)
	}

	entry := result.Entry
	resp := &dto.JoinResponse{
		Success:           true,
		EntryID:           entry.ID,
		Position:          result.Position,
		Status:            entry.Status,
		NextAvailableDate: result.NextAvailableDate,
	}

	if result.SlotAvailable {
		promotion, err := s.scheduler.PromoteNow(ctx, entry.ID)
		if err != nil {
			s.log.WarnContext(ctx, fmt.Sprintf("Immediate promotion of entry %d failed, left queued", entry.ID), zap.Error(err))
		} else if promotion != nil && promotion.Entry != nil {
			entry = promotion.Entry
			resp.Status = entry.Status
			resp.ClientSecret = promotion.ClientSecret
		}
	}

	switch entry.Status {
	case domain.StatusActive, domain.StatusRequiresAction:
		resp.Position = 1
	case domain.StatusPaymentFailed:
		resp.Position = 0
	}

	// promotion already notified any status it finalized; this covers the queued case
	s.notifications.Notify(ctx, entry)
	metrics.RecordAdmission(ctx, listing.Area, string(entry.Status))

	span.SetAttributes(
		attribute.Int64("entry_id", entry.ID),
		attribute.String("status", string(entry.Status)),
	)
	span.SetStatus(codes.Ok, "")

	s.log.Info(fmt.Sprintf("Listing %s joined featured queue for %s as %s", listing.ID, listing.Area, entry.Status),
		zap.Int64("entry_id", entry.ID),
		zap.Int("position", resp.Position),
	)
	return resp, nil
}

func (s *admissionService) AdmitFromCheckout(ctx context.Context, req *dto.CheckoutAdmission) (*dto.JoinResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.admission.admit_checkout")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		return nil, s.rejected(ctx, span, "invalid_checkout", fmt.Errorf("%w: %v", domain.ErrInvalidCheckout, err))
	}
	span.SetAttributes(
		attribute.String("checkout_session_id", req.CheckoutSessionID),
		attribute.String("listing_id", req.ListingID),
	)

	listing, err := s.ownedListing(ctx, req.UserID, req.ListingID)
	if err != nil {
		return nil, s.rejected(ctx, span, "ownership", err)
	}

	result, err := s.store.InsertVerifiedQueueEntry(ctx, &repository.NewEntry{
		ListingID:         listing.ID,
		OwnerID:           req.UserID,
		Area:              listing.Area,
		PriceLockedCents:  req.AmountCents,
		Currency:          strings.ToLower(req.Currency),
		Prepaid:           true,
		CheckoutSessionID: req.CheckoutSessionID,
		PaymentIntentID:   req.PaymentIntentID,
	})
	if err != nil {
		return nil, s.rejected(ctx, span, "insert", err)
	}

	entry := result.Entry
	resp := &dto.JoinResponse{
		Success:           true,
		EntryID:           entry.ID,
		Position:          result.Position,
		Status:            entry.Status,
		NextAvailableDate: result.NextAvailableDate,
	}
	if entry.Status == domain.StatusActive {
		resp.Position = 1
	}

	if result.Duplicate {
		s.log.Info(fmt.Sprintf("Checkout session %s already admitted as entry %d", req.CheckoutSessionID, entry.ID))
		span.SetStatus(codes.Ok, "duplicate")
		return resp, nil
	}

	s.notifications.Notify(ctx, entry)
	metrics.RecordAdmission(ctx, listing.Area, string(entry.Status))
	span.SetStatus(codes.Ok, "")

	s.log.Info(fmt.Sprintf("Checkout session %s admitted listing %s as %s", req.CheckoutSessionID, listing.ID, entry.Status),
		zap.Int64("entry_id", entry.ID),
		zap.String("event_id", req.EventID),
	)
	return resp, nil
}

func (s *admissionService) Requeue(ctx context.Context, callerID string, entryID int64, req *dto.RequeueRequest) (*dto.EntryResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.admission.requeue")
	defer span.End()
	span.SetAttributes(attribute.Int64("entry_id", entryID))

	entry, err := s.ownedEntry(ctx, callerID, entryID)
	if err != nil {
		return nil, s.rejected(ctx, span, "ownership", err)
	}
	if err := s.checkConsent(req.ConsentTextHash, false); err != nil {
		return nil, s.rejected(ctx, span, "invalid_consent", err)
	}

	proof, err := s.verifyProof(ctx, callerID, req.PaymentProofID)
	if err != nil {
		return nil, s.rejected(ctx, span, "payment_proof", err)
	}
	// the locked customer is charged later; a new account would charge the wrong one
	if proof.customerID != entry.StripeCustomerID && entry.StripeCustomerID != "" {
		return nil, s.rejected(ctx, span, "payment_proof", domain.ErrPaymentMismatch)
	}

	entry, err = s.store.RequeueFailedEntry(ctx, &repository.Requeue{
		EntryID:         entryID,
		PaymentMethodID: proof.paymentMethodID,
		ConsentHash:     strings.ToLower(req.ConsentTextHash),
	})
	if err != nil {
		return nil, s.rejected(ctx, span, "requeue", err)
	}

	promotion, err := s.scheduler.PromoteNow(ctx, entry.ID)
	if err != nil {
		s.log.WarnContext(ctx, fmt.Sprintf("Immediate promotion of requeued entry %d failed", entry.ID), zap.Error(err))
	} else if promotion != nil && promotion.Entry != nil {
		entry = promotion.Entry
	}

	position, err := s.store.QueuePosition(ctx, entry.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	s.log.Info(fmt.Sprintf("Entry %d requeued by owner, now %s", entry.ID, entry.Status))
	return dto.NewEntryResponse(entry, position), nil
}

func (s *admissionService) GetEntry(ctx context.Context, callerID string, entryID int64) (*dto.EntryResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.admission.get_entry")
	defer span.End()

	entry, err := s.ownedEntry(ctx, callerID, entryID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	position, err := s.store.QueuePosition(ctx, entryID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return dto.NewEntryResponse(entry, position), nil
}

func (s *admissionService) ownedEntry(ctx context.Context, callerID string, entryID int64) (*domain.QueueEntry, error) {
	if callerID == "" {
		return nil, domain.ErrUnauthorized
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.OwnerID != callerID {
		// hide other owners' entries
		return nil, domain.ErrEntryNotFound
	}
	return entry, nil
}

// rejected records a failed admission on the span, metrics and log
func (s *admissionService) rejected(ctx context.Context, span trace.Span, reason string, err error) error {
	metrics.RecordAdmissionFailure(ctx, reason)
	telemetry.RecordError(span, err)
	if domain.IsClientError(err) {
		s.log.Debug(fmt.Sprintf("Admission rejected (%s): %v", reason, err))
	} else {
		s.log.ErrorContext(ctx, fmt.Sprintf("Admission failed (%s)", reason), zap.Error(err))
	}
	return err
}
