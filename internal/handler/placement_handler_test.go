package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/domain"
	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/gateway"
	"github.com/prohmpiriya/featured-placement/pkg/middleware"
	"github.com/prohmpiriya/featured-placement/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const validHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// MockAdmissionService is a mock implementation of AdmissionService for testing
type MockAdmissionService struct {
	JoinFunc              func(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error)
	AdmitFromCheckoutFunc func(ctx context.Context, req *dto.CheckoutAdmission) (*dto.JoinResponse, error)
	RequeueFunc           func(ctx context.Context, callerID string, entryID int64, req *dto.RequeueRequest) (*dto.EntryResponse, error)
	GetEntryFunc          func(ctx context.Context, callerID string, entryID int64) (*dto.EntryResponse, error)
}

func (m *MockAdmissionService) Join(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error) {
	if m.JoinFunc != nil {
		return m.JoinFunc(ctx, callerID, req)
	}
	return nil, nil
}

func (m *MockAdmissionService) AdmitFromCheckout(ctx context.Context, req *dto.CheckoutAdmission) (*dto.JoinResponse, error) {
	if m.AdmitFromCheckoutFunc != nil {
		return m.AdmitFromCheckoutFunc(ctx, req)
	}
	return &dto.JoinResponse{Success: true}, nil
}

func (m *MockAdmissionService) Requeue(ctx context.Context, callerID string, entryID int64, req *dto.RequeueRequest) (*dto.EntryResponse, error) {
	if m.RequeueFunc != nil {
		return m.RequeueFunc(ctx, callerID, entryID, req)
	}
	return nil, nil
}

func (m *MockAdmissionService) GetEntry(ctx context.Context, callerID string, entryID int64) (*dto.EntryResponse, error) {
	if m.GetEntryFunc != nil {
		return m.GetEntryFunc(ctx, callerID, entryID)
	}
	return nil, domain.ErrEntryNotFound
}

// MockCapacityService is a mock implementation of CapacityService for testing
type MockCapacityService struct {
	GetCapacityFunc func(ctx context.Context, area string) (*domain.AreaCapacity, error)
}

func (m *MockCapacityService) GetCapacity(ctx context.Context, area string) (*domain.AreaCapacity, error) {
	if m.GetCapacityFunc != nil {
		return m.GetCapacityFunc(ctx, area)
	}
	return nil, domain.ErrInvalidArea
}

func newPlacementRouter(h *PlacementHandler, userID string) *gin.Engine {
	r := gin.New()
	auth := func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.ContextKeyUserID, userID)
		}
		c.Next()
	}
	r.POST("/api/v1/featured/join", auth, h.Join)
	r.GET("/api/v1/featured/entries/:id", auth, h.GetEntry)
	r.POST("/api/v1/featured/entries/:id/requeue", auth, h.Requeue)
	r.GET("/api/v1/featured/areas/:area/capacity", h.GetCapacity)
	return r
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPlacementHandler_Join(t *testing.T) {
	next := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	var gotCaller string
	admission := &MockAdmissionService{
		JoinFunc: func(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error) {
			gotCaller = callerID
			return &dto.JoinResponse{
				Success:           true,
				EntryID:           42,
				Position:          3,
				Status:            domain.StatusPendingReady,
				NextAvailableDate: next,
			}, nil
		},
	}
	r := newPlacementRouter(NewPlacementHandler(admission, &MockCapacityService{}), "owner-1")

	w := doJSON(r, http.MethodPost, "/api/v1/featured/join", map[string]string{
		"listing_id":        "listing-1",
		"payment_proof_id":  "seti_123",
		"consent_text_hash": validHash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "owner-1", gotCaller)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(3), body["position"])
	assert.Equal(t, "pending_ready", body["status"])
	assert.Equal(t, float64(42), body["entry_id"])
	assert.Equal(t, "2025-03-11T09:00:00Z", body["next_available_date"])
	assert.NotContains(t, body, "client_secret")
}

func TestPlacementHandler_JoinValidation(t *testing.T) {
	called := false
	admission := &MockAdmissionService{
		JoinFunc: func(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error) {
			called = true
			return nil, nil
		},
	}

	tests := []struct {
		name   string
		userID string
		body   map[string]string
		want   int
	}{
		{"unauthenticated", "", map[string]string{"listing_id": "l", "payment_proof_id": "seti_1", "consent_text_hash": validHash}, http.StatusUnauthorized},
		{"missing listing", "owner-1", map[string]string{"payment_proof_id": "seti_1", "consent_text_hash": validHash}, http.StatusUnprocessableEntity},
		{"not a setup intent", "owner-1", map[string]string{"listing_id": "l", "payment_proof_id": "pm_1", "consent_text_hash": validHash}, http.StatusUnprocessableEntity},
		{"short consent hash", "owner-1", map[string]string{"listing_id": "l", "payment_proof_id": "seti_1", "consent_text_hash": "abc"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newPlacementRouter(NewPlacementHandler(admission, &MockCapacityService{}), tt.userID)
			w := doJSON(r, http.MethodPost, "/api/v1/featured/join", tt.body)
			assert.Equal(t, tt.want, w.Code)

			var body response.ErrorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Code)
		})
	}
	assert.False(t, called)
}

func TestPlacementHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{domain.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{domain.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{domain.ErrListingNotFound, http.StatusNotFound, "LISTING_NOT_FOUND"},
		{domain.ErrAlreadyQueued, http.StatusConflict, "ALREADY_QUEUED"},
		{domain.ErrCapacityRaceLost, http.StatusConflict, "CAPACITY_RACE_LOST"},
		{domain.ErrPreconditionFailed, http.StatusPreconditionFailed, "NO_PAYMENT_METHOD"},
		{domain.ErrPaymentProofIncomplete, http.StatusUnprocessableEntity, "PAYMENT_PROOF_INCOMPLETE"},
		{domain.ErrPaymentMismatch, http.StatusUnprocessableEntity, "PAYMENT_MISMATCH"},
		{domain.ErrInvalidConsent, http.StatusUnprocessableEntity, "INVALID_CONSENT"},
		{fmt.Errorf("failed to verify payment proof: %w", gateway.ErrTransient), http.StatusServiceUnavailable, "PAYMENT_PROVIDER_UNAVAILABLE"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.wantBody, func(t *testing.T) {
			admission := &MockAdmissionService{
				JoinFunc: func(ctx context.Context, callerID string, req *dto.JoinRequest) (*dto.JoinResponse, error) {
					return nil, tt.err
				},
			}
			r := newPlacementRouter(NewPlacementHandler(admission, &MockCapacityService{}), "owner-1")
			w := doJSON(r, http.MethodPost, "/api/v1/featured/join", map[string]string{
				"listing_id":        "listing-1",
				"payment_proof_id":  "seti_123",
				"consent_text_hash": validHash,
			})
			assert.Equal(t, tt.wantCode, w.Code)

			var body response.ErrorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantBody, body.Code)
		})
	}
}

func TestPlacementHandler_GetEntry(t *testing.T) {
	admission := &MockAdmissionService{
		GetEntryFunc: func(ctx context.Context, callerID string, entryID int64) (*dto.EntryResponse, error) {
			if callerID != "owner-1" || entryID != 7 {
				return nil, domain.ErrEntryNotFound
			}
			return &dto.EntryResponse{ID: 7, Status: domain.StatusActive, Position: 1}, nil
		},
	}
	r := newPlacementRouter(NewPlacementHandler(admission, &MockCapacityService{}), "owner-1")

	w := doJSON(r, http.MethodGet, "/api/v1/featured/entries/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool               `json:"success"`
		Entry   *dto.EntryResponse `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, domain.StatusActive, body.Entry.Status)

	w = doJSON(r, http.MethodGet, "/api/v1/featured/entries/8", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/featured/entries/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlacementHandler_Requeue(t *testing.T) {
	var got *dto.RequeueRequest
	admission := &MockAdmissionService{
		RequeueFunc: func(ctx context.Context, callerID string, entryID int64, req *dto.RequeueRequest) (*dto.EntryResponse, error) {
			got = req
			return &dto.EntryResponse{ID: entryID, Status: domain.StatusPendingReady, Position: 2}, nil
		},
	}
	r := newPlacementRouter(NewPlacementHandler(admission, &MockCapacityService{}), "owner-1")

	w := doJSON(r, http.MethodPost, "/api/v1/featured/entries/9/requeue", map[string]string{"payment_proof_id": "seti_new"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, got)
	assert.Equal(t, "seti_new", got.PaymentProofID)

	w = doJSON(r, http.MethodPost, "/api/v1/featured/entries/9/requeue", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPlacementHandler_GetCapacity(t *testing.T) {
	next := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	capacity := &MockCapacityService{
		GetCapacityFunc: func(ctx context.Context, area string) (*domain.AreaCapacity, error) {
			if area != "bondi" {
				return nil, domain.ErrInvalidArea
			}
			return &domain.AreaCapacity{Area: area, TotalCount: 4, PendingCount: 2, NextAvailableDate: next, MaxSlots: 5}, nil
		},
	}
	r := newPlacementRouter(NewPlacementHandler(&MockAdmissionService{}, capacity), "")

	w := doJSON(r, http.MethodGet, "/api/v1/featured/areas/bondi/capacity", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(4), body["total_count"])
	assert.Equal(t, float64(2), body["pending_count"])
	assert.Equal(t, float64(5), body["max_slots"])

	w = doJSON(r, http.MethodGet, "/api/v1/featured/areas/elsewhere/capacity", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
