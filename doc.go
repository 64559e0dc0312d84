// Package fluxoml turns a handful of plain Go functions into train and
// predict workflows that run on an embedded workflow engine, locally or on
// a shared backend.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. Dataset
//  2. Model
//  3. Runner
//  4. Remote
//  5. Serve
//
// # Dataset
//
// A Dataset (package dataset) knows how to read raw data, split it into
// train and test sets, parse each split into features and targets, and
// extract features for prediction. Only the reader is required:
//
//	ds := fluxoml.NewDataset("iris",
//	    dataset.WithFeatures("sepal_length", "sepal_width"),
//	    dataset.WithTargets("species"),
//	    dataset.WithTestSize(0.2),
//	).Reader(func(path string) (fluxoml.Frame, error) { ... })
//
// # Model
//
// A Model registers four functions and assembles them into workflows:
//
//	model := fluxoml.NewModel("iris", ds, fluxoml.WithEstimator(&LogReg{}))
//	model.Init(newLogReg)         // hyperparameters -> untrained estimator
//	model.Trainer(fit)            // estimator, features[, target] -> trained
//	model.Predictor(predict)      // trained, features -> predictions
//	model.Evaluator(accuracy)     // trained, features[, target] -> metric
//
// Each function may take a context.Context first and may return an error
// last. Init is optional when WithEstimator is given: the estimator's
// exported fields are then filled from a hyperparameter map.
//
// TrainWorkflow, PredictWorkflow and PredictFromFeaturesWorkflow return the
// lazy workflows; Train and Predict run them immediately:
//
//	res, err := model.Train(ctx, map[string]any{"max_iter": 100},
//	    fluxoml.WithReaderInputs(map[string]any{"path": "iris.csv"}))
//	preds, err := model.Predict(ctx, fluxoml.WithFeatures(frame))
//
// Train always needs hyperparameters and returns ErrHyperparametersRequired
// without them.
//
// # Runner
//
// A Runner bundles an engine, a task queue and a worker. NewModel creates
// an in-memory runner unless WithRunner is given; NewSQLiteRunner and
// Config.OpenRunner provide durable ones.
//
// # Remote
//
// Remote reads a YAML config (see Config) and connects the model to the
// configured backend. Deploy registers the workflows under
// "<project>.<domain>.<workflow>", RemoteTrain and RemotePredict enqueue
// executions, and Wait, Execution and FetchModel read them back. Workers
// in any process that deploys the same model pick the executions up.
//
// # Serve
//
// Serve mounts train, predict, summary, execution and event endpoints on an
// http.ServeMux; package server provides the middleware and lifecycle to
// host it.
package fluxoml
