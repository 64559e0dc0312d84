package api

import (
	"context"
	"time"
)

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
)

// WorkflowEvent is a small, stable record of one lifecycle transition.
// It is what event streams publish.
type WorkflowEvent struct {
	InstanceID   string    `json:"instance_id"`
	At           time.Time `json:"at"`
	Type         EventType `json:"type"`
	WorkflowName string    `json:"workflow"`
	Step         string    `json:"step,omitempty"`
	StepIndex    int       `json:"step_index"`
	Duration     string    `json:"duration,omitempty"`

	// Small, human-oriented details (e.g. error string).
	// Keep this low-volume: do NOT dump payloads here.
	Detail string `json:"detail,omitempty"`
}

// EventObserver converts Observer callbacks into WorkflowEvents and hands
// each one to Sink.
type EventObserver struct {
	Sink func(WorkflowEvent)
}

var _ Observer = EventObserver{}

func (o EventObserver) emit(inst *WorkflowInstance, typ EventType, step string, idx int, d time.Duration, err error) {
	if o.Sink == nil {
		return
	}
	ev := WorkflowEvent{
		InstanceID:   inst.ID,
		At:           time.Now().UTC(),
		Type:         typ,
		WorkflowName: inst.Name,
		Step:         step,
		StepIndex:    idx,
	}
	if d > 0 {
		ev.Duration = d.String()
	}
	if err != nil {
		ev.Detail = err.Error()
	}
	o.Sink(ev)
}

func (o EventObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.emit(inst, EventWorkflowStarted, "", inst.CurrentStep, 0, nil)
}

func (o EventObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.emit(inst, EventWorkflowCompleted, "", inst.CurrentStep, 0, nil)
}

func (o EventObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.emit(inst, EventWorkflowFailed, "", inst.CurrentStep, 0, err)
}

func (o EventObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, stepName string, idx int) {
	o.emit(inst, EventStepStarted, stepName, idx, 0, nil)
}

func (o EventObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, stepName string, idx int, err error, d time.Duration) {
	typ := EventStepCompleted
	if err != nil {
		typ = EventStepFailed
	}
	o.emit(inst, typ, stepName, idx, d, err)
}
