package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/prohmpiriya/featured-placement/pkg/telemetry"
)

var (
	// Admission counters
	Admissions        *telemetry.Counter
	AdmissionFailures *telemetry.Counter

	// Scheduler counters
	Charges       *telemetry.Counter
	Finalizations *telemetry.Counter
	TaskErrors    *telemetry.Counter

	// Notification counters
	NotificationsSent   *telemetry.Counter
	NotificationsFailed *telemetry.Counter

	// Histograms
	RunDuration    *telemetry.Histogram
	ChargeDuration *telemetry.Histogram

	initOnce sync.Once
	initErr  error
)

// Init registers all featured placement instruments
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	Admissions, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_admissions_total",
		Description: "Queue entries admitted by status",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	AdmissionFailures, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_admission_failures_total",
		Description: "Rejected admissions by reason",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	Charges, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_charges_total",
		Description: "Off-session charges by outcome",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	Finalizations, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_finalizations_total",
		Description: "Status transitions applied by the scheduler",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	TaskErrors, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_task_errors_total",
		Description: "Scheduler tasks that ended in an error",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	NotificationsSent, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_notifications_sent_total",
		Description: "Notifications handed to the sink",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	NotificationsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "featured_notifications_failed_total",
		Description: "Notifications the sink could not deliver",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	RunDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "featured_scheduler_run_duration_seconds",
		Description: "Duration of one scheduler run",
		Unit:        "s",
	})
	if err != nil {
		return err
	}

	ChargeDuration, err = telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "featured_charge_duration_seconds",
		Description: "Latency of off-session charge calls",
		Unit:        "s",
	})
	return err
}

// RecordAdmission records an admitted entry
func RecordAdmission(ctx context.Context, area, status string) {
	Admissions.Inc(ctx,
		attribute.String("area", area),
		attribute.String("status", status),
	)
}

// RecordAdmissionFailure records a rejected admission
func RecordAdmissionFailure(ctx context.Context, reason string) {
	AdmissionFailures.Inc(ctx, attribute.String("reason", reason))
}

// RecordCharge records one processor call and its latency
func RecordCharge(ctx context.Context, outcome string, durationSeconds float64) {
	Charges.Inc(ctx, attribute.String("outcome", outcome))
	ChargeDuration.Record(ctx, durationSeconds, attribute.String("outcome", outcome))
}

// RecordFinalization records a status transition
func RecordFinalization(ctx context.Context, step, from, to string) {
	Finalizations.Inc(ctx,
		attribute.String("step", step),
		attribute.String("from", from),
		attribute.String("to", to),
	)
}

func RecordTaskError(ctx context.Context, step string) {
	TaskErrors.Inc(ctx, attribute.String("step", step))
}

// RecordNotification records the sink result for one notification
func RecordNotification(ctx context.Context, sink, status string, err error) {
	if err != nil {
		NotificationsFailed.Inc(ctx, attribute.String("sink", sink), attribute.String("status", status))
		return
	}
	NotificationsSent.Inc(ctx, attribute.String("sink", sink), attribute.String("status", status))
}

func RecordRun(ctx context.Context, durationSeconds float64) {
	RunDuration.Record(ctx, durationSeconds)
}
