package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/service"
)

type stubScheduler struct {
	runs    atomic.Int32
	RunFunc func(ctx context.Context) (*dto.SchedulerRunResponse, error)
}

func (s *stubScheduler) Run(ctx context.Context) (*dto.SchedulerRunResponse, error) {
	s.runs.Add(1)
	if s.RunFunc != nil {
		return s.RunFunc(ctx)
	}
	return &dto.SchedulerRunResponse{Success: true}, nil
}

func (s *stubScheduler) PromoteNow(ctx context.Context, entryID int64) (*service.Promotion, error) {
	return nil, nil
}

func TestPromotionWorker_RunsImmediatelyAndOnTick(t *testing.T) {
	scheduler := &stubScheduler{
		RunFunc: func(ctx context.Context) (*dto.SchedulerRunResponse, error) {
			return &dto.SchedulerRunResponse{
				Success: true,
				Results: []*dto.TaskResult{{EntryID: 1, Step: dto.StepPromote, From: "pending_ready", To: "active"}},
			}, nil
		},
	}
	w := NewPromotionWorker(scheduler, &PromotionWorkerConfig{Interval: 10 * time.Millisecond, RunTimeout: time.Second})

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return scheduler.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	w.Stop()

	stats := w.GetStats()
	assert.False(t, stats.IsRunning)
	assert.GreaterOrEqual(t, stats.TotalRuns, int64(3))
	assert.Equal(t, stats.TotalRuns, stats.TotalTasks)
	assert.Equal(t, 1, stats.LastRunTasks)
	assert.Zero(t, stats.FailedRuns)
	assert.False(t, stats.LastRunTime.IsZero())
}

func TestPromotionWorker_StartTwice(t *testing.T) {
	w := NewPromotionWorker(&stubScheduler{}, &PromotionWorkerConfig{Interval: time.Hour})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Error(t, w.Start(context.Background()))
}

func TestPromotionWorker_StopWithoutStart(t *testing.T) {
	w := NewPromotionWorker(&stubScheduler{}, nil)
	w.Stop()
	assert.False(t, w.GetStats().IsRunning)
}

func TestPromotionWorker_CountsFailures(t *testing.T) {
	var calls atomic.Int32
	scheduler := &stubScheduler{
		RunFunc: func(ctx context.Context) (*dto.SchedulerRunResponse, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("store unavailable")
			}
			return &dto.SchedulerRunResponse{
				Success: false,
				RunID:   "run-2",
				Results: []*dto.TaskResult{{EntryID: 4, Step: dto.StepPromote, Error: "card_declined"}},
			}, nil
		},
	}
	w := NewPromotionWorker(scheduler, &PromotionWorkerConfig{Interval: 10 * time.Millisecond, RunTimeout: time.Second})

	require.NoError(t, w.Start(context.Background()))
	assert.Eventually(t, func() bool { return scheduler.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	w.Stop()

	stats := w.GetStats()
	assert.Equal(t, stats.TotalRuns, stats.FailedRuns)
}

func TestPromotionWorker_StopsWithContext(t *testing.T) {
	scheduler := &stubScheduler{}
	w := NewPromotionWorker(scheduler, &PromotionWorkerConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	assert.Eventually(t, func() bool { return scheduler.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
