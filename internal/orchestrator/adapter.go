// Package orchestrator defines the adapter contract through which this coordination
// fabric would talk to external systems (an issue tracker, a wiki) without
// depending on any of them directly. Only the interfaces and a name-keyed registry
// live here; HTTP bindings for a concrete adapter are explicitly out of scope.
package orchestrator

import "context"

// Result is the uniform adapter response envelope: every adapter method returns
// success with optional data, or a failure with an error string, never a language
// exception, so a failing external call degrades to a partial result rather than
// aborting the caller.
type Result struct {
	Success bool
	Data    map[string]any
	Error   string
}

// ITaskAdapter is the contract an external issue tracker implements to participate
// in workflow execution: tasks created here can mirror onto a Jira-like system.
type ITaskAdapter interface {
	CreateTask(ctx context.Context, fields map[string]any) Result
	UpdateTask(ctx context.Context, externalID string, fields map[string]any) Result
	TransitionTask(ctx context.Context, externalID, toStatus string) Result
	GetTask(ctx context.Context, externalID string) Result
	SearchTasks(ctx context.Context, query map[string]any) Result
	DeleteTask(ctx context.Context, externalID string) Result
	AddComment(ctx context.Context, externalID, body string) Result
	GetEpicChildren(ctx context.Context, epicID string) Result
}

// IDocumentAdapter is the contract an external wiki implements for governance
// documents (design docs, retrospectives) referenced by a phase gate.
type IDocumentAdapter interface {
	CreatePage(ctx context.Context, fields map[string]any) Result
	UpdatePage(ctx context.Context, externalID string, fields map[string]any) Result
	GetPage(ctx context.Context, externalID string) Result
	DeletePage(ctx context.Context, externalID string) Result
	SearchPages(ctx context.Context, query map[string]any) Result
	GetPageChildren(ctx context.Context, pageID string) Result
}

// TaskAdapterRegistry resolves a named task adapter (e.g. "jira"), with a default
// selection by type when no name is given.
type TaskAdapterRegistry struct {
	adapters       map[string]ITaskAdapter
	defaultAdapter string
}

// NewTaskAdapterRegistry builds an empty registry.
func NewTaskAdapterRegistry() *TaskAdapterRegistry {
	return &TaskAdapterRegistry{adapters: map[string]ITaskAdapter{}}
}

// Register binds name to adapter. The first registered adapter becomes the default
// until SetDefault overrides it.
func (r *TaskAdapterRegistry) Register(name string, adapter ITaskAdapter) {
	r.adapters[name] = adapter
	if r.defaultAdapter == "" {
		r.defaultAdapter = name
	}
}

// SetDefault changes which registered adapter Resolve("") returns.
func (r *TaskAdapterRegistry) SetDefault(name string) {
	r.defaultAdapter = name
}

// Resolve returns the adapter registered under name, or the default adapter when
// name is empty.
func (r *TaskAdapterRegistry) Resolve(name string) (ITaskAdapter, bool) {
	if name == "" {
		name = r.defaultAdapter
	}
	a, ok := r.adapters[name]
	return a, ok
}

// DocumentAdapterRegistry resolves a named document adapter (e.g. "confluence").
type DocumentAdapterRegistry struct {
	adapters       map[string]IDocumentAdapter
	defaultAdapter string
}

// NewDocumentAdapterRegistry builds an empty registry.
func NewDocumentAdapterRegistry() *DocumentAdapterRegistry {
	return &DocumentAdapterRegistry{adapters: map[string]IDocumentAdapter{}}
}

// Register binds name to adapter, defaulting to the first one registered.
func (r *DocumentAdapterRegistry) Register(name string, adapter IDocumentAdapter) {
	r.adapters[name] = adapter
	if r.defaultAdapter == "" {
		r.defaultAdapter = name
	}
}

// SetDefault changes which registered adapter Resolve("") returns.
func (r *DocumentAdapterRegistry) SetDefault(name string) {
	r.defaultAdapter = name
}

// Resolve returns the adapter registered under name, or the default adapter when
// name is empty.
func (r *DocumentAdapterRegistry) Resolve(name string) (IDocumentAdapter, bool) {
	if name == "" {
		name = r.defaultAdapter
	}
	a, ok := r.adapters[name]
	return a, ok
}
