package workflowengine

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/riftloom/fleetward/internal/store"
)

// WorkflowExecutionWorkflow drives a single WorkflowDefinition from pending to a
// terminal status. It does not execute task bodies itself — workers pull ready
// tasks from C5 independently — it only tracks DAG progress, evaluates phase gates,
// and reacts to pause/resume/cancel signals, mirroring the plan→gate→execute loop
// this orchestrator's predecessor used for a single agent, generalized to an
// arbitrary number of tasks advancing concurrently.
func WorkflowExecutionWorkflow(ctx workflow.Context, req StartRequest) (ExecutionSummary, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	shortOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	actCtx := workflow.WithActivityOptions(ctx, shortOpts)

	if err := workflow.ExecuteActivity(actCtx, a.SetWorkflowStatusActivity, req.WorkflowID, store.WorkflowRunning).Get(ctx, nil); err != nil {
		return ExecutionSummary{}, fmt.Errorf("set running: %w", err)
	}

	// latestSnapshot backs QueryWorkflowStatus so an observer can read progress
	// percent, the ready list, and the critical path without waiting on completion.
	var latestSnapshot GraphSnapshot
	if err := workflow.SetQueryHandler(ctx, QueryWorkflowStatus, func() (GraphSnapshot, error) {
		return latestSnapshot, nil
	}); err != nil {
		return ExecutionSummary{}, fmt.Errorf("register status query: %w", err)
	}

	taskSignal := workflow.GetSignalChannel(ctx, SignalTaskCompleted)
	pauseSignal := workflow.GetSignalChannel(ctx, SignalPause)
	resumeSignal := workflow.GetSignalChannel(ctx, SignalResume)
	cancelSignal := workflow.GetSignalChannel(ctx, SignalCancel)
	gateSignal := workflow.GetSignalChannel(ctx, SignalGateApproved)

	paused := false
	cancelled := false
	phaseIdx := 0

	for {
		if cancelled {
			break
		}

		if len(req.Phases) > 0 && phaseIdx < len(req.Phases) {
			phase := req.Phases[phaseIdx]
			roles := req.GateRoles[phase]
			if len(roles) > 0 {
				var decision GateDecision
				if err := workflow.ExecuteActivity(actCtx, a.EvaluateGateActivity, req.Team, req.WorkflowID, phase, roles).Get(ctx, &decision); err != nil {
					return ExecutionSummary{}, fmt.Errorf("evaluate gate %s: %w", phase, err)
				}
				if !decision.Satisfied {
					logger.Info("phase gate pending approvals", "phase", phase, "missing", decision.Missing)
					selector := workflow.NewSelector(ctx)
					selector.AddReceive(gateSignal, func(c workflow.ReceiveChannel, more bool) { c.Receive(ctx, nil) })
					selector.AddReceive(cancelSignal, func(c workflow.ReceiveChannel, more bool) { c.Receive(ctx, nil); cancelled = true })
					selector.Select(ctx)
					continue
				}
			}
			phaseIdx++
		}

		var snapshot GraphSnapshot
		if err := workflow.ExecuteActivity(actCtx, a.GetWorkflowGraphActivity, req.WorkflowID).Get(ctx, &snapshot); err != nil {
			return ExecutionSummary{}, fmt.Errorf("load graph: %w", err)
		}
		latestSnapshot = snapshot
		if snapshot.Done {
			break
		}

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(taskSignal, func(c workflow.ReceiveChannel, more bool) {
			var sig TaskCompletedSignal
			c.Receive(ctx, &sig)
			logger.Info("task completed", "task", sig.TaskID, "success", sig.Success)
		})
		selector.AddReceive(pauseSignal, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, nil)
			paused = true
		})
		selector.AddReceive(cancelSignal, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, nil)
			cancelled = true
		})
		selector.Select(ctx)

		for paused && !cancelled {
			pauseSelector := workflow.NewSelector(ctx)
			pauseSelector.AddReceive(resumeSignal, func(c workflow.ReceiveChannel, more bool) { c.Receive(ctx, nil); paused = false })
			pauseSelector.AddReceive(cancelSignal, func(c workflow.ReceiveChannel, more bool) { c.Receive(ctx, nil); cancelled = true })
			pauseSelector.Select(ctx)
		}
	}

	finalStatus := store.WorkflowCompleted
	summaryStatus := "completed"
	if cancelled {
		finalStatus = store.WorkflowCancelled
		summaryStatus = "cancelled"
	}
	if err := workflow.ExecuteActivity(actCtx, a.SetWorkflowStatusActivity, req.WorkflowID, finalStatus).Get(ctx, nil); err != nil {
		return ExecutionSummary{}, fmt.Errorf("set final status: %w", err)
	}

	var final GraphSnapshot
	_ = workflow.ExecuteActivity(actCtx, a.GetWorkflowGraphActivity, req.WorkflowID).Get(ctx, &final)
	latestSnapshot = final

	return ExecutionSummary{
		WorkflowID:     req.WorkflowID,
		FinalStatus:    summaryStatus,
		TasksSucceeded: final.Counts["success"],
		TasksFailed:    final.Counts["failed"],
	}, nil
}
