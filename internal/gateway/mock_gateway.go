package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Test payment methods understood by MockGateway, named after the processor's test cards
const (
	MockPMSucceeds       = "pm_card_visa"
	MockPMDeclined       = "pm_card_chargeDeclined"
	MockPMAuthRequired   = "pm_card_authenticationRequired"
	MockPMProcessing     = "pm_card_processing"
	MockPMTransientError = "pm_transient"
)

const alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphanumericChars[rand.Intn(len(alphanumericChars))]
	}
	return string(b)
}

// MockGatewayConfig holds configuration for the mock gateway
type MockGatewayConfig struct {
	// Delay is the simulated processor latency
	Delay time.Duration
}

type mockIntent struct {
	info   IntentInfo
	result ChargeResult
}

// MockGateway implements PaymentGateway in memory. Charges are keyed by idempotency
// key so a replayed attempt returns the original intent, as the real processor does.
type MockGateway struct {
	config *MockGatewayConfig

	mu            sync.RWMutex
	byKey         map[string]string // idempotency key -> intent id
	intents       map[string]*mockIntent
	setupIntents  map[string]*SetupIntentInfo
	transientLeft map[string]int // payment method -> remaining forced transient failures
	charges       int
	cancels       int
}

// NewMockGateway creates a new mock gateway
func NewMockGateway(config *MockGatewayConfig) *MockGateway {
	if config == nil {
		config = &MockGatewayConfig{}
	}
	return &MockGateway{
		config:        config,
		byKey:         make(map[string]string),
		intents:       make(map[string]*mockIntent),
		setupIntents:  make(map[string]*SetupIntentInfo),
		transientLeft: make(map[string]int),
	}
}

func (g *MockGateway) sleep(ctx context.Context) error {
	if g.config.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(g.config.Delay):
		return nil
	}
}

// ChargeOffSession simulates an off-session charge
func (g *MockGateway) ChargeOffSession(ctx context.Context, req *OffSessionChargeRequest) (*ChargeResult, error) {
	if req == nil || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if err := g.sleep(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		res := g.intents[id].result
		return &res, nil
	}

	if req.PaymentMethodID == MockPMTransientError {
		return nil, fmt.Errorf("%w: simulated network timeout", ErrTransient)
	}
	if n := g.transientLeft[req.PaymentMethodID]; n > 0 {
		g.transientLeft[req.PaymentMethodID] = n - 1
		return nil, fmt.Errorf("%w: simulated 503 from processor", ErrTransient)
	}

	id := "pi_mock_" + randomAlphanumeric(24)
	res := ChargeResult{PaymentIntentID: id}
	switch req.PaymentMethodID {
	case MockPMDeclined:
		res.Outcome = OutcomeDeclined
		res.Status = IntentRequiresPaymentMethod
		res.FailureCode = "card_declined"
		res.FailureMessage = "Your card was declined."
	case MockPMAuthRequired:
		res.Outcome = OutcomeRequiresAction
		res.Status = IntentRequiresAction
		res.ClientSecret = id + "_secret_" + randomAlphanumeric(16)
		res.FailureCode = codeAuthenticationRequired
	case MockPMProcessing:
		res.Outcome = OutcomeProcessing
		res.Status = IntentProcessing
	default:
		res.Outcome = OutcomeSucceeded
		res.Status = IntentSucceeded
	}

	g.charges++
	g.byKey[req.IdempotencyKey] = id
	g.intents[id] = &mockIntent{
		info: IntentInfo{
			ID:          id,
			Status:      res.Status,
			AmountCents: req.AmountCents,
			Currency:    req.Currency,
			CustomerID:  req.CustomerID,
			Metadata:    req.Metadata,
		},
		result: res,
	}

	out := res
	return &out, nil
}

// GetPaymentIntent returns the current status of a mock intent
func (g *MockGateway) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	pi, ok := g.intents[paymentIntentID]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", paymentIntentID, ErrNotFound)
	}
	info := pi.info
	return &info, nil
}

// CancelPaymentIntent cancels a mock intent unless it already reached a final status
func (g *MockGateway) CancelPaymentIntent(ctx context.Context, paymentIntentID string) (*IntentInfo, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pi, ok := g.intents[paymentIntentID]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", paymentIntentID, ErrNotFound)
	}
	if pi.info.Status != IntentSucceeded && pi.info.Status != IntentCanceled {
		pi.info.Status = IntentCanceled
		g.cancels++
	}
	info := pi.info
	return &info, nil
}

// GetSetupIntent returns a registered setup intent
func (g *MockGateway) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntentInfo, error) {
	if err := g.sleep(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	si, ok := g.setupIntents[setupIntentID]
	if !ok {
		return nil, fmt.Errorf("setup intent %s: %w", setupIntentID, ErrNotFound)
	}
	out := *si
	return &out, nil
}

// Name returns the gateway name
func (g *MockGateway) Name() string {
	return "mock"
}

// AddSetupIntent registers a setup intent for admission checks
func (g *MockGateway) AddSetupIntent(si *SetupIntentInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := *si
	g.setupIntents[si.ID] = &out
}

// SetIntentStatus simulates the customer completing or abandoning step-up
func (g *MockGateway) SetIntentStatus(paymentIntentID string, status IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pi, ok := g.intents[paymentIntentID]; ok {
		pi.info.Status = status
	}
}

// FailTransiently makes the next n charges with paymentMethodID fail with ErrTransient
func (g *MockGateway) FailTransiently(paymentMethodID string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transientLeft[paymentMethodID] = n
}

// ChargeCount returns how many distinct intents were created
func (g *MockGateway) ChargeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.charges
}

// CancelCount returns how many intents were canceled
func (g *MockGateway) CancelCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cancels
}

// IntentForKey returns the intent created for an idempotency key
func (g *MockGateway) IntentForKey(key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byKey[key]
	return id, ok
}
