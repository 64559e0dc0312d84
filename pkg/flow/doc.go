// Package flow builds typed task graphs and compiles them into engine
// workflow definitions.
//
// A Task declares named, typed inputs and outputs (its Interface) and a
// function over input and output maps. A Workflow declares its own inputs
// with AddInput, adds task nodes with AddEntity by binding every task input
// to a Promise, and exposes results with AddOutput:
//
//	wf := flow.New("iris.train")
//	hp, _ := wf.AddInput("hyperparameters", reflect.TypeOf(Params{}))
//	path, _ := wf.AddInput("path", reflect.TypeOf(""))
//	read, _ := wf.AddEntity(reader, map[string]flow.Promise{"path": path})
//	fit, _ := wf.AddEntity(train, map[string]flow.Promise{
//		"hyperparameters": hp,
//		"data":            read.Outputs["data"],
//	})
//	_ = wf.AddOutput("trained_model", fit.Outputs["trained_model"])
//
// Definition compiles the graph into sequential engine steps. Nodes can only
// bind promises that already exist, so insertion order is a valid
// topological order.
package flow
