package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/prohmpiriya/featured-placement/internal/dto"
	"github.com/prohmpiriya/featured-placement/internal/service"
	"github.com/prohmpiriya/featured-placement/pkg/logger"
	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

// PromotionWorkerConfig contains configuration for the promotion worker
type PromotionWorkerConfig struct {
	// Interval is the time between scheduler runs
	Interval time.Duration
	// RunTimeout bounds a single run
	RunTimeout time.Duration
}

// DefaultPromotionWorkerConfig returns default configuration
func DefaultPromotionWorkerConfig() *PromotionWorkerConfig {
	return &PromotionWorkerConfig{
		Interval:   time.Minute,
		RunTimeout: 50 * time.Second,
	}
}

// PromotionWorker triggers scheduler runs on a fixed interval
type PromotionWorker struct {
	scheduler service.SchedulerService
	config    *PromotionWorkerConfig
	log       *logger.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool

	// Stats
	totalRuns    int64
	failedRuns   int64
	totalTasks   int64
	lastRunTime  time.Time
	lastRunTasks int
}

// NewPromotionWorker creates a new promotion worker
func NewPromotionWorker(scheduler service.SchedulerService, config *PromotionWorkerConfig) *PromotionWorker {
	defaults := DefaultPromotionWorkerConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}

	return &PromotionWorker{
		scheduler: scheduler,
		config:    config,
		log:       logger.Get(),
		stopCh:    make(chan struct{}),
	}
}

// Start starts the promotion worker
func (w *PromotionWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("promotion worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info(fmt.Sprintf("Starting promotion worker (interval: %s)", w.config.Interval))

	w.wg.Add(1)
	go w.loop(ctx)

	return nil
}

// Stop stops the promotion worker and waits for an in-flight run
func (w *PromotionWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping promotion worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Promotion worker stopped")
}

func (w *PromotionWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *PromotionWorker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancel()

	// each tick is its own trace
	runCtx, span := telemetry.StartSpan(runCtx, "worker.promotion.run", trace.WithNewRoot())
	defer span.End()

	resp, err := w.scheduler.Run(runCtx)
	if err != nil {
		telemetry.RecordError(span, err)
	} else if resp != nil {
		span.SetAttributes(
			attribute.String("run_id", resp.RunID),
			attribute.Int("tasks", len(resp.Results)),
		)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRuns++
	w.lastRunTime = time.Now()

	if err != nil {
		w.failedRuns++
		w.log.Error(fmt.Sprintf("Scheduler run failed: %v", err))
		return
	}
	w.record(resp)
}

// record updates stats from a run response. Caller holds w.mu.
func (w *PromotionWorker) record(resp *dto.SchedulerRunResponse) {
	if resp == nil {
		return
	}
	if !resp.Success {
		w.failedRuns++
		failed := 0
		for _, r := range resp.Results {
			if r.Error != "" {
				failed++
			}
		}
		w.log.Warn(fmt.Sprintf("Scheduler run %s finished with %d failed tasks", resp.RunID, failed))
	}
	w.lastRunTasks = len(resp.Results)
	w.totalTasks += int64(len(resp.Results))
	if len(resp.Results) > 0 {
		w.log.Info(fmt.Sprintf("Scheduler run processed %d tasks", len(resp.Results)))
	}
}

// GetStats returns worker statistics
func (w *PromotionWorker) GetStats() *PromotionWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &PromotionWorkerStats{
		IsRunning:    w.running,
		TotalRuns:    w.totalRuns,
		FailedRuns:   w.failedRuns,
		TotalTasks:   w.totalTasks,
		LastRunTime:  w.lastRunTime,
		LastRunTasks: w.lastRunTasks,
	}
}

// PromotionWorkerStats contains worker statistics
type PromotionWorkerStats struct {
	IsRunning    bool      `json:"is_running"`
	TotalRuns    int64     `json:"total_runs"`
	FailedRuns   int64     `json:"failed_runs"`
	TotalTasks   int64     `json:"total_tasks"`
	LastRunTime  time.Time `json:"last_run_time"`
	LastRunTasks int       `json:"last_run_tasks"`
}
