// Package governance implements C8: the declarative phase-gate evaluator and the
// fairness engine, sharing a single audit trail. Both are pure with respect to a
// fixed snapshot of store state — a gate check or fairness read never mutates the
// store itself, only the in-memory audit log and fairness window.
package governance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/store"
)

// Validator is a registered phase-gate rule check. It returns nil on success, or an
// error on failure; the failing rule's Description, not the error's message, becomes
// the gate's failure reason.
type Validator func(ctx context.Context, gateCtx map[string]any) error

// Rule names a validation rule and the validator that implements it, if any is
// registered. A rule with no registered validator is skipped with a warning rather
// than treated as a failure.
type Rule struct {
	Name        string
	Description string
}

// Gate is one named checkpoint's declarative requirements.
type Gate struct {
	Phase              string
	RequiredDocuments  []string
	RequiredApprovalRoles []string
	Rules              []Rule
}

// GateResult is check_phase_gate's in-band outcome: never an error for a normal
// failed check.
type GateResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// AuditEntry is a single append-only audit trail record.
type AuditEntry struct {
	Timestamp time.Time
	Workflow  string
	Phase     string
	Actor     string
	Passed    bool
	Errors    []string
}

// Engine evaluates gates against a declarative catalog and keeps the shared audit
// trail. A single coarse mutex guards both the catalog and the trail; contention is
// low because every operation here is short and CPU-only.
type Engine struct {
	mu         sync.Mutex
	store      *store.Store
	cfg        *config.Governance
	gates      map[string]Gate
	validators map[string]Validator
	audit      []AuditEntry
}

// NewEngine builds a phase-gate engine over s, configured by cfg.
func NewEngine(s *store.Store, cfg *config.Governance) *Engine {
	return &Engine{
		store:      s,
		cfg:        cfg,
		gates:      map[string]Gate{},
		validators: map[string]Validator{},
	}
}

// RegisterGate adds or replaces a named phase's declarative requirements.
func (e *Engine) RegisterGate(g Gate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gates[g.Phase] = g
}

// RegisterValidator wires a validation rule's implementation.
func (e *Engine) RegisterValidator(name string, v Validator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[name] = v
}

// CheckPhaseGate evaluates every requirement of phase for workflow, given a context
// map supplying present documents (under the "documents" key as []string) and any
// data validators need. Each call appends one entry to the audit trail regardless of
// outcome, holding the pass/fail result and the list of failed checks; checks that
// passed are not itemized.
func (e *Engine) CheckPhaseGate(ctx context.Context, team, workflow, phase, actor string, gateCtx map[string]any) (GateResult, error) {
	e.mu.Lock()
	gate, ok := e.gates[phase]
	validators := e.validators
	e.mu.Unlock()
	if !ok {
		return GateResult{}, fmt.Errorf("governance: no gate registered for phase %q", phase)
	}

	var result GateResult
	result.Passed = true

	present := map[string]bool{}
	if docs, ok := gateCtx["documents"].([]string); ok {
		for _, d := range docs {
			present[d] = true
		}
	}
	for _, doc := range gate.RequiredDocuments {
		if !present[doc] {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("Missing required document: %s", doc))
		}
	}

	for _, role := range gate.RequiredApprovalRoles {
		approvals, err := e.store.ListGateApprovals(ctx, team, workflow, phase)
		if err != nil {
			return GateResult{}, fmt.Errorf("governance: list approvals: %w", err)
		}
		satisfied := false
		for _, a := range approvals {
			if a.Role == role {
				satisfied = true
				break
			}
		}
		if !satisfied {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("Missing approval from: %s", role))
		}
	}

	for _, rule := range gate.Rules {
		v, ok := validators[rule.Name]
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no validator registered for rule %q, skipped", rule.Name))
			continue
		}
		if err := v(ctx, gateCtx); err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, rule.Description)
		}
	}

	e.mu.Lock()
	e.audit = append(e.audit, AuditEntry{
		Timestamp: time.Now().UTC(), Workflow: workflow, Phase: phase, Actor: actor,
		Passed: result.Passed, Errors: append([]string(nil), result.Errors...),
	})
	e.mu.Unlock()

	return result, nil
}

// TriageIncident moves an incident through its reported -> investigating/confirmed ->
// mitigated/resolved/false_positive lifecycle and records the transition on the
// shared audit trail, so incident triage is visible alongside gate decisions.
func (e *Engine) TriageIncident(ctx context.Context, actor, incidentID string, to store.IncidentStatus) error {
	if err := e.store.UpdateIncidentStatus(ctx, incidentID, to); err != nil {
		return err
	}
	e.mu.Lock()
	e.audit = append(e.audit, AuditEntry{
		Timestamp: time.Now().UTC(), Workflow: incidentID, Phase: "incident:" + string(to), Actor: actor, Passed: true,
	})
	e.mu.Unlock()
	return nil
}

// AuditTrail returns a copy of the accumulated audit entries.
func (e *Engine) AuditTrail() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]AuditEntry(nil), e.audit...)
}
