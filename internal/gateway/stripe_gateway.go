package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/setupintent"
)

const codeAuthenticationRequired = "authentication_required"

// StripeGateway implements PaymentGateway using Stripe
type StripeGateway struct {
	config *StripeGatewayConfig
}

// StripeGatewayConfig holds configuration for Stripe gateway
type StripeGatewayConfig struct {
	SecretKey string
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(config *StripeGatewayConfig) (*StripeGateway, error) {
	if config == nil {
		return nil, fmt.Errorf("stripe config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}

	stripe.Key = config.SecretKey

	return &StripeGateway{config: config}, nil
}

// ChargeOffSession creates and confirms an off-session payment intent
func (g *StripeGateway) ChargeOffSession(ctx context.Context, req *OffSessionChargeRequest) (*ChargeResult, error) {
	if req == nil {
		return nil, fmt.Errorf("charge request is required")
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Metadata:      make(map[string]string),
	}
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return classifyStripeError(err)
	}
	return resultFromIntent(pi), nil
}

// resultFromIntent maps a confirmed intent to a charge outcome
func resultFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	res := &ChargeResult{
		PaymentIntentID: pi.ID,
		Status:          IntentStatus(pi.Status),
		ClientSecret:    pi.ClientSecret,
	}
	if pi.LastPaymentError != nil {
		res.FailureCode = string(pi.LastPaymentError.Code)
		res.FailureMessage = pi.LastPaymentError.Msg
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Outcome = OutcomeSucceeded
	case stripe.PaymentIntentStatusRequiresAction:
		res.Outcome = OutcomeRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		res.Outcome = OutcomeDeclined
		if res.FailureCode == "" {
			res.FailureCode = string(pi.Status)
		}
	default:
		// processing, requires_confirmation, requires_capture: reference kept, answer later
		res.Outcome = OutcomeProcessing
	}
	return res
}

// classifyStripeError splits stripe errors into definitive outcomes and transient errors
func classifyStripeError(err error) (*ChargeResult, error) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if string(se.Code) == codeAuthenticationRequired {
		if se.PaymentIntent == nil || se.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("%w: authentication required without payment intent: %v", ErrTransient, err)
		}
		return &ChargeResult{
			PaymentIntentID: se.PaymentIntent.ID,
			Outcome:         OutcomeRequiresAction,
			Status:          IntentRequiresAction,
			ClientSecret:    se.PaymentIntent.ClientSecret,
			FailureCode:     codeAuthenticationRequired,
			FailureMessage:  se.Msg,
		}, nil
	}

	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 ||
		se.Type == stripe.ErrorTypeAPI || se.Type == stripe.ErrorTypeIdempotency {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if se.Type == stripe.ErrorTypeCard || se.Type == stripe.ErrorTypeInvalidRequest {
		res := &ChargeResult{
			Outcome:        OutcomeDeclined,
			Status:         IntentRequiresPaymentMethod,
			FailureCode:    string(se.Code),
			FailureMessage: se.Msg,
		}
		if se.DeclineCode != "" {
			res.FailureCode = string(se.DeclineCode)
		}
		if se.PaymentIntent != nil {
			res.PaymentIntentID = se.PaymentIntent.ID
		}
		return res, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrTransient, err)
}

// GetPaymentIntent retrieves a payment intent
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error) {
	if paymentIntentID == "" {
		return nil, fmt.Errorf("payment intent ID is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(paymentIntentID, params)
	if err != nil {
		return nil, wrapLookupError("payment intent", err)
	}

	return intentInfo(pi), nil
}

func intentInfo(pi *stripe.PaymentIntent) *IntentInfo {
	info := &IntentInfo{
		ID:          pi.ID,
		Status:      IntentStatus(pi.Status),
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
		Metadata:    pi.Metadata,
	}
	if pi.Customer != nil {
		info.CustomerID = pi.Customer.ID
	}
	return info
}

// CancelPaymentIntent cancels an intent left waiting for customer action
func (g *StripeGateway) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error) {
	if paymentIntentID == "" {
		return nil, fmt.Errorf("payment intent ID is required")
	}

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	pi, err := paymentintent.Cancel(paymentIntentID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			// already succeeded or canceled; report what it is now
			return g.GetPaymentIntent(ctx, paymentIntentID)
		}
		return nil, wrapLookupError("payment intent", err)
	}
	return intentInfo(pi), nil
}

// GetSetupIntent retrieves a setup intent used as payment method proof
func (g *StripeGateway) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntentInfo, error) {
	if setupIntentID == "" {
		return nil, fmt.Errorf("setup intent ID is required")
	}

	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	si, err := setupintent.Get(setupIntentID, params)
	if err != nil {
		return nil, wrapLookupError("setup intent", err)
	}

	info := &SetupIntentInfo{
		ID:     si.ID,
		Status: string(si.Status),
	}
	if si.Customer != nil {
		info.CustomerID = si.Customer.ID
	}
	if si.PaymentMethod != nil {
		info.PaymentMethodID = si.PaymentMethod.ID
	}
	return info, nil
}

func wrapLookupError(what string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("failed to get %s: %w", what, err)
		}
	}
	return fmt.Errorf("%w: failed to get %s: %v", ErrTransient, what, err)
}

// Name returns the gateway name
func (g *StripeGateway) Name() string {
	return "stripe"
}
