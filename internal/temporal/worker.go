// Package temporal wires this orchestrator's workflow engine (C6) onto a Temporal
// worker process.
package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/store"
	"github.com/riftloom/fleetward/internal/workflowengine"
)

// StartWorker connects to Temporal and runs the orchestrator's task queue worker
// until interrupted. The store is injected so workflow activities can read and
// mutate task/workflow state.
func StartWorker(cfg config.Temporal, st *store.Store, logger *slog.Logger) error {
	c, err := client.Dial(client.Options{HostPort: cfg.HostPort, Namespace: cfg.Namespace})
	if err != nil {
		return fmt.Errorf("temporal: dial %s: %w", cfg.HostPort, err)
	}
	defer c.Close()

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	acts := &workflowengine.Activities{Store: st}

	w.RegisterWorkflow(workflowengine.WorkflowExecutionWorkflow)
	w.RegisterActivity(acts.GetWorkflowGraphActivity)
	w.RegisterActivity(acts.EvaluateGateActivity)
	w.RegisterActivity(acts.SetWorkflowStatusActivity)

	logger.Info("temporal worker started", "task_queue", cfg.TaskQueue, "host_port", cfg.HostPort)
	return w.Run(worker.InterruptCh())
}
