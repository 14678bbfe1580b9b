// Package tracker implements C7: the execution tracker. It wraps the store's
// execution/decision/event rows with lifecycle helpers (start/complete/fail,
// idempotent on an already-terminal execution), a decision cap, live event
// streaming to in-process subscribers, and cost/token accounting.
package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/riftloom/fleetward/internal/cachebus"
	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/cost"
	"github.com/riftloom/fleetward/internal/orcherr"
	"github.com/riftloom/fleetward/internal/store"
)

// Tracker is the C7 service. A disabled tracker (tracking.enabled=false) makes
// every method a no-op that returns a zero-value execution, so callers do not need
// to branch on the config themselves.
type Tracker struct {
	store   *store.Store
	bus     *cachebus.Bus
	cfg     config.Tracking
	mu      sync.Mutex
	streams map[string][]chan store.ExecutionEvent
}

// New builds a tracker over s, publishing lifecycle events on bus.
func New(s *store.Store, bus *cachebus.Bus, cfg config.Tracking) *Tracker {
	return &Tracker{store: s, bus: bus, cfg: cfg, streams: map[string][]chan store.ExecutionEvent{}}
}

// StartExecution opens a new tracked execution, or returns nil, nil if tracking is
// disabled.
func (t *Tracker) StartExecution(ctx context.Context, persona string, personaVersion *string, input string, embedding []float64, execContext map[string]any) (*store.Execution, error) {
	if !t.cfg.Enabled {
		return nil, nil
	}
	return t.store.StartExecution(ctx, persona, personaVersion, input, embedding, execContext)
}

// LogDecision appends a tracked decision, enforcing the configured per-execution
// cap, and publishes decision_made. Nil executionID (tracking disabled) is a no-op.
func (t *Tracker) LogDecision(ctx context.Context, d store.TrackedDecision) (*store.TrackedDecision, error) {
	if !t.cfg.Enabled || d.ExecutionID == "" {
		return nil, nil
	}
	limit := t.cfg.DecisionLimit
	if limit <= 0 {
		limit = 500
	}
	existing, err := t.store.ListDecisions(ctx, d.ExecutionID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= limit {
		return nil, orcherr.Validation(fmt.Sprintf("tracker: execution %s has reached its decision cap of %d", d.ExecutionID, limit), nil)
	}
	logged, err := t.store.LogDecision(ctx, d)
	if err != nil {
		return nil, err
	}
	t.publish(logged.ExecutionID, "decision_made", logged)
	return logged, nil
}

// UpdateProgress publishes a progress event without persisting a decision.
func (t *Tracker) UpdateProgress(ctx context.Context, executionID string, progress float64, message string) {
	if !t.cfg.Enabled || executionID == "" {
		return
	}
	ev := store.ExecutionEvent{ExecutionID: executionID, Kind: "progress", Message: &message, Progress: &progress}
	if _, err := t.store.LogEvent(ctx, ev); err == nil {
		t.fanOut(executionID, ev)
	}
}

// LogToolInvocation records that an execution started using a tool.
func (t *Tracker) LogToolInvocation(ctx context.Context, executionID, tool string, args map[string]any) {
	t.logEvent(ctx, executionID, "tool_invoked", map[string]any{"tool": tool, "args": args})
}

// LogToolCompletion records a tool call's outcome.
func (t *Tracker) LogToolCompletion(ctx context.Context, executionID, tool string, result map[string]any, errMsg *string) {
	data := map[string]any{"tool": tool, "result": result}
	if errMsg != nil {
		data["error"] = *errMsg
	}
	t.logEvent(ctx, executionID, "tool_completed", data)
}

func (t *Tracker) logEvent(ctx context.Context, executionID, kind string, data map[string]any) {
	if !t.cfg.Enabled || executionID == "" {
		return
	}
	ev := store.ExecutionEvent{ExecutionID: executionID, Kind: kind, Data: data}
	if _, err := t.store.LogEvent(ctx, ev); err == nil {
		t.fanOut(executionID, ev)
	}
}

// CompleteExecution finishes an execution as succeeded, computing cost from
// inputPrice/outputPrice per million tokens. Calling it twice on an already
// terminal execution is a no-op, not an error.
func (t *Tracker) CompleteExecution(ctx context.Context, executionID, output, prompt string, summary *string, outputData map[string]any, inputPrice, outputPrice float64) error {
	return t.finish(ctx, executionID, store.ExecutionSucceeded, summary, outputData, nil, output, prompt, inputPrice, outputPrice)
}

// FailExecution finishes an execution as failed. Idempotent on an already
// terminal execution.
func (t *Tracker) FailExecution(ctx context.Context, executionID string, execErr error) error {
	msg := execErr.Error()
	return t.finish(ctx, executionID, store.ExecutionFailed, nil, nil, &msg, "", "", 0, 0)
}

func (t *Tracker) finish(ctx context.Context, executionID string, outcome store.ExecutionOutcome, summary *string, outputData map[string]any, execErr *string, output, prompt string, inputPrice, outputPrice float64) error {
	if !t.cfg.Enabled || executionID == "" {
		return nil
	}
	existing, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		if orcherr.Is(err, orcherr.KindNotFound) {
			return nil
		}
		return err
	}
	if existing.Outcome != store.ExecutionRunning {
		return nil // already terminal: idempotent
	}

	usage := cost.ExtractUsage(output, prompt)
	price := cost.Calculate(usage, cost.Price{InputPerMillion: inputPrice, OutputPerMillion: outputPrice})
	if err := t.store.FinishExecution(ctx, executionID, outcome, summary, outputData, execErr, usage.Input+usage.Output, price); err != nil {
		return err
	}
	t.publish(executionID, string(outcome), map[string]any{"execution_id": executionID})
	t.closeStreams(executionID)
	return nil
}

// Track runs fn as a scoped execution: it starts on entry, completes on a nil
// return, and fails (re-raising the error to the caller) on a non-nil return or a
// recovered panic.
func (t *Tracker) Track(ctx context.Context, persona string, input string, fn func(ctx context.Context, executionID string) (output string, err error)) (err error) {
	exec, startErr := t.StartExecution(ctx, persona, nil, input, nil, nil)
	if startErr != nil {
		return startErr
	}
	executionID := ""
	if exec != nil {
		executionID = exec.ID
	}

	defer func() {
		if r := recover(); r != nil {
			_ = t.FailExecution(ctx, executionID, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	output, callErr := fn(ctx, executionID)
	if callErr != nil {
		_ = t.FailExecution(ctx, executionID, callErr)
		return callErr
	}
	return t.CompleteExecution(ctx, executionID, output, input, nil, nil, 0, 0)
}

// publish is best-effort: cachebus already logs its own failures.
func (t *Tracker) publish(executionID, kind string, data any) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish("executions", kind, map[string]any{"execution_id": executionID, "data": data})
}

const defaultStreamBuffer = 1000

// StreamEvents registers a new subscriber for executionID. The returned channel is
// closed when the execution reaches a terminal state; Unsubscribe lets a caller
// stop listening earlier. Delivery is drop-on-full: a slow subscriber misses events
// rather than blocking the execution.
func (t *Tracker) StreamEvents(executionID string) (<-chan store.ExecutionEvent, func()) {
	bufSize := t.cfg.StreamBufferSize
	if bufSize <= 0 {
		bufSize = defaultStreamBuffer
	}
	ch := make(chan store.ExecutionEvent, bufSize)

	t.mu.Lock()
	t.streams[executionID] = append(t.streams[executionID], ch)
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.streams[executionID]
		for i, c := range subs {
			if c == ch {
				t.streams[executionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (t *Tracker) fanOut(executionID string, ev store.ExecutionEvent) {
	t.mu.Lock()
	subs := append([]chan store.ExecutionEvent(nil), t.streams[executionID]...)
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// drop-on-full: a slow subscriber never blocks the execution
		}
	}
}

func (t *Tracker) closeStreams(executionID string) {
	t.mu.Lock()
	subs := t.streams[executionID]
	delete(t.streams, executionID)
	t.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
