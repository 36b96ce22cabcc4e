package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
)

// PurposeFeaturedPlacement marks checkout sessions that buy a featured placement
const PurposeFeaturedPlacement = "featured_placement"

// maxWebhookBody is the largest payload read from the processor
const maxWebhookBody = 1 << 16

// WebhookRecorder remembers processed event ids
type WebhookRecorder interface {
	RecordWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
}

// WebhookHandler handles Stripe webhook events
type WebhookHandler struct {
	admission     service.AdmissionService
	events        WebhookRecorder
	webhookSecret string
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(admission service.AdmissionService, events WebhookRecorder, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		admission:     admission,
		events:        events,
		webhookSecret: webhookSecret,
	}
}

// HandleStripeWebhook handles POST /webhooks/stripe
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	log := logger.Get()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Error(fmt.Sprintf("Failed to read webhook body: %v", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		log.Warn("Missing Stripe-Signature header")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing Stripe-Signature header"})
		return
	}

	event, err := webhook.ConstructEvent(payload, sigHeader, h.webhookSecret)
	if err != nil {
		log.Warn(fmt.Sprintf("Failed to verify webhook signature: %v", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	log.Info(fmt.Sprintf("Received Stripe webhook event: %s", event.Type), zap.String("event_id", event.ID))

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		if !h.handleCheckoutCompleted(c, event) {
			return
		}
	default:
		log.Debug(fmt.Sprintf("Unhandled event type: %s", event.Type))
	}

	first, err := h.events.RecordWebhookEvent(c.Request.Context(), event.ID, string(event.Type))
	if err != nil {
		// admission is idempotent per checkout session, so a lost record only costs a replay
		log.Warn(fmt.Sprintf("Failed to record webhook event %s", event.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": err == nil && !first})
}

// handleCheckoutCompleted admits a paid featured placement checkout. It writes the
// response and returns false when the request should stop here.
func (h *WebhookHandler) handleCheckoutCompleted(c *gin.Context, event stripe.Event) bool {
	log := logger.Get()

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Error(fmt.Sprintf("Failed to parse checkout.session.completed: %v", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse event data"})
		return false
	}

	if session.Metadata["purpose"] != PurposeFeaturedPlacement {
		return true
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Info(fmt.Sprintf("Checkout session %s completed without payment (%s), ignoring", session.ID, session.PaymentStatus))
		return true
	}

	req := &dto.CheckoutAdmission{
		EventID:           event.ID,
		CheckoutSessionID: session.ID,
		ListingID:         session.Metadata["listing_id"],
		UserID:            session.Metadata["user_id"],
		AmountCents:       session.AmountTotal,
		Currency:          string(session.Currency),
	}
	if session.PaymentIntent != nil {
		req.PaymentIntentID = session.PaymentIntent.ID
	}

	resp, err := h.admission.AdmitFromCheckout(c.Request.Context(), req)
	switch {
	case err == nil:
		log.Info(fmt.Sprintf("Checkout session %s queued as entry %d (%s)", session.ID, resp.EntryID, resp.Status))
		return true
	case errors.Is(err, domain.ErrCheckoutUnbound):
		// the customer paid; never acknowledge until someone settles it
		log.Error(fmt.Sprintf("Paid checkout %s could not be attached to listing %s, needs manual review", session.ID, req.ListingID),
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", req.PaymentIntentID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return false
	case domain.IsClientError(err):
		// retrying cannot fix the metadata; acknowledge so the processor stops redelivering
		log.Error(fmt.Sprintf("Rejected featured placement checkout %s", session.ID),
			zap.String("event_id", event.ID),
			zap.String("listing_id", req.ListingID),
			zap.Error(err),
		)
		return true
	default:
		log.Error(fmt.Sprintf("Failed to admit checkout session %s, asking for redelivery", session.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return false
	}
}
