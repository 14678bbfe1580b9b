package membership

// RoleCatalog documents the purpose of each standard role a worker can be assigned,
// adapted from the reference codebase's per-agent ROLE.md briefs into a static
// catalog rather than files written out to disk for an external process to read.
var RoleCatalog = map[string]string{
	"planner": `# Planner

Decomposes an incoming objective into a dependency-respecting task graph.

## Responsibilities
- Read the objective and any prior decisions or artifacts in context
- Produce tasks with clear titles, bodies, and dependency edges
- Assign a required_role to each task where the work calls for a specialist
- Flag ambiguous scope as an open question rather than guessing
`,
	"coder": `# Coder

Claims ready tasks and produces the artifacts or code changes they describe.

## Responsibilities
- Claim only tasks matching its required_role or with none set
- Record tool invocations and key decisions as it works
- Mark a task failed with a clear error rather than leaving it claimed and stuck
`,
	"reviewer": `# Reviewer

Evaluates completed work against a task's acceptance criteria before a phase gate
considers it satisfied.

## Responsibilities
- Record an approval when work meets the bar for its role
- Reject with a specific, actionable reason when it does not
- Never approve its own work
`,
	"architect": `# Architect

Owns design-level approvals at phase gates that require architectural sign-off.

## Responsibilities
- Review required documents (designs, specs) attached to a workflow phase
- Record an approval only once the design addresses every open question
- Raise an incident when a recurring gate failure suggests a systemic issue
`,
	"ops": `# Ops

Monitors running workflows and intervenes on incidents or stuck tasks.

## Responsibilities
- Watch the incident ledger and acknowledge or escalate entries
- Re-queue or cancel tasks stuck in a non-terminal state past a reasonable bound
- Keep the retention and export schedule healthy
`,
}
