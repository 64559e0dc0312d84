// Package persistence holds the storage backends of the workflow engine.
//
// Workflow definitions carry Go functions and therefore always live in
// memory. Instances can be kept in memory or in SQLite, PostgreSQL, Redis or
// MongoDB. Instance inputs and outputs are gob-encoded (see EncodeValue), so
// concrete types stored behind interfaces must be registered with
// encoding/gob before a durable backend can persist them.
package persistence

// Persistence bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Workflows WorkflowStore
	Instances InstanceStore
}
