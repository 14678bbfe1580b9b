package workflowengine

import (
	"context"
	"fmt"

	"github.com/riftloom/fleetward/internal/dag"
	"github.com/riftloom/fleetward/internal/store"
)

// NodeSpec describes one task to instantiate as part of a new workflow's DAG.
type NodeSpec struct {
	ID           string
	Title        string
	Body         string
	RequiredRole *string
	Priority     int
	DependsOn    []string
	Metadata     map[string]any
	Tags         []string
}

// CreateWorkflow validates nodes as an acyclic, duplicate-free DAG, persists the
// WorkflowDefinition, then instantiates each node as a Task. Entry-point tasks
// (those with no dependencies) become ready immediately through the ordinary task
// lifecycle, since CreateTask promotes a task to ready whenever its dependency set
// is already satisfied.
func CreateWorkflow(ctx context.Context, s *store.Store, team, name, creator string, nodes []NodeSpec, metadata map[string]any) (*store.WorkflowDefinition, error) {
	graphNodes := make([]dag.Node, 0, len(nodes))
	byID := make(map[string]NodeSpec, len(nodes))
	for _, n := range nodes {
		graphNodes = append(graphNodes, dag.Node{ID: n.ID, DependsOn: n.DependsOn, Priority: n.Priority})
		byID[n.ID] = n
	}
	graph, err := dag.Build(graphNodes)
	if err != nil {
		return nil, fmt.Errorf("workflowengine: invalid workflow dag: %w", err)
	}

	dagRepr := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		dagRepr = append(dagRepr, map[string]any{
			"id": n.ID, "title": n.Title, "depends_on": n.DependsOn, "priority": n.Priority,
		})
	}

	// The definition row and every node's task row are written inside one
	// transaction: a failure instantiating task N must not leave tasks 1..N-1 and
	// the workflow definition committed with a half-built DAG.
	var wf *store.WorkflowDefinition
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var txErr error
		wf, txErr = s.CreateWorkflowTx(ctx, tx, team, name, creator, map[string]any{"nodes": dagRepr}, metadata)
		if txErr != nil {
			return fmt.Errorf("workflowengine: persist workflow: %w", txErr)
		}

		// Tasks are instantiated in topological order and depends_on is translated
		// from the caller-supplied node ids to the store-generated task ids, since
		// CreateTaskTx checks dependency satisfaction against real task rows.
		taskIDs := make(map[string]string, len(nodes))
		for _, specID := range graph.TopoOrder() {
			n := byID[specID]
			resolvedDeps := make([]string, 0, len(n.DependsOn))
			for _, dep := range n.DependsOn {
				resolvedDeps = append(resolvedDeps, taskIDs[dep])
			}
			task, txErr := s.CreateTaskTx(ctx, tx, store.CreateTaskInput{
				Team: team, Title: n.Title, Body: n.Body, RequiredRole: n.RequiredRole,
				Priority: n.Priority, Workflow: &wf.ID, DependsOn: resolvedDeps,
				Creator: creator, Metadata: n.Metadata, Tags: n.Tags,
			})
			if txErr != nil {
				return fmt.Errorf("workflowengine: instantiate task %s: %w", n.ID, txErr)
			}
			taskIDs[n.ID] = task.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return wf, nil
}
