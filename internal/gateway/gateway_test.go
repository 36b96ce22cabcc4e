package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func chargeReq(pm, key string) *OffSessionChargeRequest {
	return &OffSessionChargeRequest{
		AmountCents:     4900,
		Currency:        "aud",
		CustomerID:      "cus_A",
		PaymentMethodID: pm,
		IdempotencyKey:  key,
	}
}

func TestMockGateway_Outcomes(t *testing.T) {
	tests := []struct {
		pm      string
		outcome ChargeOutcome
		status  IntentStatus
	}{
		{MockPMSucceeds, OutcomeSucceeded, IntentSucceeded},
		{MockPMDeclined, OutcomeDeclined, IntentRequiresPaymentMethod},
		{MockPMAuthRequired, OutcomeRequiresAction, IntentRequiresAction},
		{MockPMProcessing, OutcomeProcessing, IntentProcessing},
	}

	g := NewMockGateway(nil)
	for _, tt := range tests {
		t.Run(tt.pm, func(t *testing.T) {
			res, err := g.ChargeOffSession(context.Background(), chargeReq(tt.pm, "key-"+tt.pm))
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.status, res.Status)
			assert.NotEmpty(t, res.PaymentIntentID)

			info, err := g.GetPaymentIntent(context.Background(), res.PaymentIntentID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, info.Status)
			assert.EqualValues(t, 4900, info.AmountCents)
		})
	}
}

func TestMockGateway_IdempotentReplay(t *testing.T) {
	g := NewMockGateway(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.ChargeOffSession(ctx, chargeReq(MockPMSucceeds, "featured-placement-1-attempt-0"))
			if assert.NoError(t, err) {
				ids[i] = res.PaymentIntentID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, g.ChargeCount())

	res, err := g.ChargeOffSession(ctx, chargeReq(MockPMSucceeds, "featured-placement-1-attempt-1"))
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], res.PaymentIntentID)
	assert.Equal(t, 2, g.ChargeCount())
}

func TestMockGateway_TransientAndStatusChanges(t *testing.T) {
	g := NewMockGateway(nil)
	ctx := context.Background()

	_, err := g.ChargeOffSession(ctx, chargeReq(MockPMTransientError, "k1"))
	assert.True(t, IsTransient(err))

	g.FailTransiently(MockPMSucceeds, 1)
	_, err = g.ChargeOffSession(ctx, chargeReq(MockPMSucceeds, "k2"))
	assert.True(t, IsTransient(err))
	res, err := g.ChargeOffSession(ctx, chargeReq(MockPMSucceeds, "k2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	res, err = g.ChargeOffSession(ctx, chargeReq(MockPMAuthRequired, "k3"))
	require.NoError(t, err)
	g.SetIntentStatus(res.PaymentIntentID, IntentSucceeded)
	info, err := g.GetPaymentIntent(ctx, res.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, info.Status)

	_, err = g.GetPaymentIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockGateway_CancelPaymentIntent(t *testing.T) {
	g := NewMockGateway(nil)
	ctx := context.Background()

	pending, err := g.ChargeOffSession(ctx, chargeReq(MockPMAuthRequired, "k1"))
	require.NoError(t, err)
	info, err := g.CancelPaymentIntent(ctx, pending.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, IntentCanceled, info.Status)

	// a completed charge stays completed
	paid, err := g.ChargeOffSession(ctx, chargeReq(MockPMSucceeds, "k2"))
	require.NoError(t, err)
	info, err = g.CancelPaymentIntent(ctx, paid.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, info.Status)
	assert.Equal(t, 1, g.CancelCount())

	_, err = g.CancelPaymentIntent(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockGateway_SetupIntents(t *testing.T) {
	g := NewMockGateway(nil)
	g.AddSetupIntent(&SetupIntentInfo{ID: "seti_1", Status: "succeeded", CustomerID: "cus_A", PaymentMethodID: MockPMSucceeds})

	si, err := g.GetSetupIntent(context.Background(), "seti_1")
	require.NoError(t, err)
	assert.True(t, si.Succeeded())
	assert.Equal(t, "cus_A", si.CustomerID)

	_, err = g.GetSetupIntent(context.Background(), "seti_2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClassifyStripeError(t *testing.T) {
	t.Run("network error is transient", func(t *testing.T) {
		_, err := classifyStripeError(errors.New("dial tcp: i/o timeout"))
		assert.True(t, IsTransient(err))
	})

	t.Run("server error is transient", func(t *testing.T) {
		_, err := classifyStripeError(&stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusInternalServerError})
		assert.True(t, IsTransient(err))
	})

	t.Run("rate limit is transient", func(t *testing.T) {
		_, err := classifyStripeError(&stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests})
		assert.True(t, IsTransient(err))
	})

	t.Run("card decline is definitive", func(t *testing.T) {
		res, err := classifyStripeError(&stripe.Error{
			Type:           stripe.ErrorTypeCard,
			Code:           stripe.ErrorCodeCardDeclined,
			DeclineCode:    "insufficient_funds",
			HTTPStatusCode: http.StatusPaymentRequired,
			PaymentIntent:  &stripe.PaymentIntent{ID: "pi_1"},
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeclined, res.Outcome)
		assert.Equal(t, "insufficient_funds", res.FailureCode)
		assert.Equal(t, "pi_1", res.PaymentIntentID)
	})

	t.Run("authentication required needs step-up", func(t *testing.T) {
		res, err := classifyStripeError(&stripe.Error{
			Type:           stripe.ErrorTypeCard,
			Code:           codeAuthenticationRequired,
			HTTPStatusCode: http.StatusPaymentRequired,
			PaymentIntent:  &stripe.PaymentIntent{ID: "pi_2", ClientSecret: "pi_2_secret"},
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRequiresAction, res.Outcome)
		assert.Equal(t, "pi_2", res.PaymentIntentID)
		assert.Equal(t, "pi_2_secret", res.ClientSecret)
	})
}

func TestResultFromIntent(t *testing.T) {
	assert.Equal(t, OutcomeSucceeded, resultFromIntent(&stripe.PaymentIntent{ID: "pi", Status: stripe.PaymentIntentStatusSucceeded}).Outcome)
	assert.Equal(t, OutcomeRequiresAction, resultFromIntent(&stripe.PaymentIntent{ID: "pi", Status: stripe.PaymentIntentStatusRequiresAction}).Outcome)
	assert.Equal(t, OutcomeDeclined, resultFromIntent(&stripe.PaymentIntent{ID: "pi", Status: stripe.PaymentIntentStatusCanceled}).Outcome)
	assert.Equal(t, OutcomeProcessing, resultFromIntent(&stripe.PaymentIntent{ID: "pi", Status: stripe.PaymentIntentStatusProcessing}).Outcome)
}
