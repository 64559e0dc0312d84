// Package api contains the core building blocks used by the fluxoml
// workflow engine: workflow definitions, instances, the Engine interfaces
// and the Observer hooks.
//
// Most users interact with the higher-level fluxoml package, which builds
// workflow definitions from model functions, and with package flow, which
// assembles typed task graphs. The api package is intended for custom
// integrations, new storage backends, or contributors extending the engine.
//
// # Workflow Definitions
//
// A workflow definition is a name plus an ordered list of steps. Each step is
// backed by a StepFunc; the output of one step is the input of the next.
// Definitions are registered with an engine before they can be started.
//
// Step functions are expected to:
//
//   - Be deterministic: same inputs yield the same observable behavior.
//   - Be idempotent: they may be retried per their RetryPolicy or replayed
//     when a failed instance is resumed.
//
// # Instances
//
// Every run of a definition is a WorkflowInstance. Instances move through
// PENDING (queued by Start), RUNNING, and finally COMPLETED or FAILED. The
// engine persists every transition to its instance store.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes log/slog
// records, BasicMetrics counts, EventObserver turns callbacks into
// WorkflowEvents for streaming, and ObserverSet lets subscribers come and go
// while an engine runs.
package api
