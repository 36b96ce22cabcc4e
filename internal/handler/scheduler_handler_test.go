package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/pkg/middleware"
)

// MockSchedulerService is a mock implementation of SchedulerService for testing
type MockSchedulerService struct {
	RunFunc        func(ctx context.Context) (*dto.SchedulerRunResponse, error)
	PromoteNowFunc func(ctx context.Context, entryID int64) (*service.Promotion, error)
}

func (m *MockSchedulerService) Run(ctx context.Context) (*dto.SchedulerRunResponse, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return &dto.SchedulerRunResponse{Success: true}, nil
}

func (m *MockSchedulerService) PromoteNow(ctx context.Context, entryID int64) (*service.Promotion, error) {
	if m.PromoteNowFunc != nil {
		return m.PromoteNowFunc(ctx, entryID)
	}
	return nil, nil
}

func TestSchedulerHandler_Run(t *testing.T) {
	scheduler := &MockSchedulerService{
		RunFunc: func(ctx context.Context) (*dto.SchedulerRunResponse, error) {
			return &dto.SchedulerRunResponse{
				Success: false,
				RunID:   "run-1",
				Results: []*dto.TaskResult{
					{EntryID: 1, Step: dto.StepPromote, From: "pending_ready", To: "active", PaymentIntentID: "pi_1"},
					{EntryID: 2, Step: dto.StepPromote, From: "pending_ready", To: "pending_ready", Error: "transient"},
				},
				Logs: []string{"promote: entry 1 pending_ready -> active"},
			}, nil
		},
	}
	h := NewSchedulerHandler(scheduler)

	r := gin.New()
	r.POST("/internal/scheduler/run", middleware.ServiceKeyAuth("svc-key"), h.Run)

	req := httptest.NewRequest(http.MethodPost, "/internal/scheduler/run", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/scheduler/run", nil)
	req.Header.Set("Authorization", "Bearer svc-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body dto.SchedulerRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "run-1", body.RunID)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "transient", body.Results[1].Error)
	assert.Len(t, body.Logs, 1)
}
