// Package worker drives queued workflow executions forward.
//
// A Worker consumes tasks from a taskqueue.Queue and hands them to an
// api.AsyncEngine:
//
//   - run-instance tasks, produced by Engine.Start, execute an existing
//     PENDING instance via RunInstance.
//   - start-workflow tasks, produced by EnqueueStartWorkflow, create and run
//     a new instance.
//
// Step retries are the engine's concern. The worker only redelivers a task
// when its handler failed before an instance result existed, which covers
// workers that start before every workflow is registered.
//
// Several workers may share one queue. With the SQLite or Redis queues they
// may live in different processes, as long as each registers the same
// workflow definitions.
package worker
