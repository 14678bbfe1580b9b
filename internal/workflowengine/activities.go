package workflowengine

import (
	"context"
	"fmt"

	"github.com/riftloom/fleetward/internal/dag"
	"github.com/riftloom/fleetward/internal/store"
)

// Activities holds the dependencies the workflow's activity methods close over —
// the durable store is the only one; dispatch to workers happens through the bus,
// which activities merely nudge by marking tasks ready.
type Activities struct {
	Store *store.Store
}

// GetWorkflowGraphActivity loads every task belonging to a workflow and builds the
// in-memory DAG the workflow loop reasons about.
func (a *Activities) GetWorkflowGraphActivity(ctx context.Context, workflowID string) (*GraphSnapshot, error) {
	tasks, err := a.Store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflowengine: load workflow tasks: %w", err)
	}

	nodes := make([]dag.Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, dag.Node{
			ID:        t.ID,
			DependsOn: t.DependsOn,
			Priority:  t.Priority,
			Status:    dag.NodeStatus(t.Status),
		})
	}
	g, err := dag.Build(nodes)
	if err != nil {
		return nil, fmt.Errorf("workflowengine: build dag: %w", err)
	}

	progress := g.Progress()
	done := progress[dag.StatusSuccess] + progress[dag.StatusFailed]
	percent := 0.0
	if len(nodes) > 0 {
		percent = 100 * float64(done) / float64(len(nodes))
	}
	criticalPath, criticalPathLength := g.CriticalPath()

	return &GraphSnapshot{
		Done:               done == len(nodes),
		Ready:              g.ReadySet(),
		Counts:             progress,
		Total:              len(nodes),
		ProgressPercent:    percent,
		CriticalPath:       criticalPath,
		CriticalPathLength: criticalPathLength,
	}, nil
}

// GraphSnapshot is the activity-serializable projection of a dag.Graph's state,
// exposed to observers as progress percent, the current ready list, and the
// workflow's critical path (the longest dependency chain it cannot shortcut
// regardless of available worker concurrency).
type GraphSnapshot struct {
	Done               bool
	Ready              []string
	Counts             map[dag.NodeStatus]int
	Total              int
	ProgressPercent    float64
	CriticalPath       []string
	CriticalPathLength int
}

// EvaluateGateActivity checks whether every role required for a phase has given a
// non-expired approval.
func (a *Activities) EvaluateGateActivity(ctx context.Context, team, workflowID, phase string, requiredRoles []string) (GateDecision, error) {
	approvals, err := a.Store.ListGateApprovals(ctx, team, workflowID, phase)
	if err != nil {
		return GateDecision{}, fmt.Errorf("workflowengine: evaluate gate: %w", err)
	}
	given := map[string]bool{}
	for _, ap := range approvals {
		given[ap.Role] = true
	}
	var missing []string
	for _, role := range requiredRoles {
		if !given[role] {
			missing = append(missing, role)
		}
	}
	return GateDecision{Phase: phase, Satisfied: len(missing) == 0, Missing: missing}, nil
}

// SetWorkflowStatusActivity persists a workflow status transition.
func (a *Activities) SetWorkflowStatusActivity(ctx context.Context, workflowID string, status store.WorkflowStatus) error {
	return a.Store.SetWorkflowStatus(ctx, workflowID, status)
}
