package workflowengine

import "time"

// StartRequest launches a WorkflowExecutionWorkflow for an already-persisted
// WorkflowDefinition whose tasks have already been created in the store.
type StartRequest struct {
	WorkflowID string
	Team       string
	Phases     []string // ordered phase names this workflow's DAG is partitioned into
	GateRoles  map[string][]string // phase -> roles whose approval the phase gate requires
	PollEvery  time.Duration
}

// QueryWorkflowStatus is the query name an observer uses to read the workflow's
// latest GraphSnapshot (progress percent, ready list, critical path) without waiting
// for it to complete.
const QueryWorkflowStatus = "workflow-status"

// Signal names accepted on the workflow's signal channel.
const (
	SignalTaskCompleted = "task-completed"
	SignalPause         = "pause"
	SignalResume        = "resume"
	SignalCancel        = "cancel"
	SignalGateApproved  = "gate-approved"
)

// TaskCompletedSignal carries the id of the task that just finished so the workflow
// can re-evaluate readiness without polling the whole DAG on a timer.
type TaskCompletedSignal struct {
	TaskID  string
	Success bool
}

// GateDecision is returned by EvaluateGateActivity and says whether a phase's
// required approvals are all present and unexpired.
type GateDecision struct {
	Phase     string
	Satisfied bool
	Missing   []string // roles still owed an approval
}

// ExecutionSummary is returned by the workflow on completion.
type ExecutionSummary struct {
	WorkflowID    string
	FinalStatus   string // completed, cancelled, failed
	TasksSucceeded int
	TasksFailed    int
}
