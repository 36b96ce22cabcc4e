package dto

// Scheduler steps reported in TaskResult.Step
const (
	StepExpire    = "expire"
	StepReconcile = "reconcile"
	StepRecover   = "recover"
	StepPromote   = "promote"
	StepCleanup   = "cleanup"
)

// TaskResult describes what happened to one entry during a run
type TaskResult struct {
	EntryID         int64  `json:"entry_id"`
	Step            string `json:"step"`
	From            string `json:"from"`
	To              string `json:"to"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SchedulerRunResponse is returned by POST /internal/scheduler/run
type SchedulerRunResponse struct {
	Success bool          `json:"success"`
	RunID   string        `json:"run_id"`
	Results []*TaskResult `json:"results"`
	Logs    []string      `json:"logs"`
}
