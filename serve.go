package fluxoml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/dataset"
	"github.com/petrijr/fluxoml/pkg/flow"
	"github.com/petrijr/fluxoml/pkg/server"
)

const maxRequestBody = 32 << 20

// ServeOptions configures the HTTP endpoints registered by Serve.
type ServeOptions struct {
	// NoDefaultEndpoints skips the train and predict endpoints. The model
	// summary and execution lookup are always registered.
	NoDefaultEndpoints bool

	TrainEndpoint   string
	PredictEndpoint string

	// Events streams engine events over a websocket at EventsEndpoint,
	// through Hub or a new hub when Hub is nil.
	Events         bool
	EventsEndpoint string
	Hub            *server.Hub

	Logger *zap.Logger
}

func (o *ServeOptions) applyDefaults() {
	if o.TrainEndpoint == "" {
		o.TrainEndpoint = "/train"
	}
	if o.PredictEndpoint == "" {
		o.PredictEndpoint = "/predict"
	}
	if o.EventsEndpoint == "" {
		o.EventsEndpoint = "/events"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Serve registers the model's endpoints on mux:
//
//	POST /train              {"hyperparameters": ..., "inputs": {...}, "remote": false}
//	POST /predict            {"features": ..., "inputs": {...}, "model_source": "local", "model_version": ""}
//	GET  /                   model summary and workflow interfaces
//	GET  /executions/{id}    execution status and outputs
//	GET  /events             websocket event stream, with Events
//
// The returned function detaches the event stream.
func (m *Model) Serve(mux *http.ServeMux, opts ServeOptions) (stop func()) {
	opts.applyDefaults()
	h := &handlers{model: m, log: opts.Logger}

	if !opts.NoDefaultEndpoints {
		mux.HandleFunc("POST "+opts.TrainEndpoint, h.train)
		mux.HandleFunc("POST "+opts.PredictEndpoint, h.predict)
	}
	mux.HandleFunc("GET /{$}", h.summary)
	mux.HandleFunc("GET /executions/{id}", h.execution)

	if !opts.Events {
		return func() {}
	}

	hub := opts.Hub
	if hub == nil {
		hub = server.NewHub(opts.Logger)
	}
	cancels := []func(){m.runner.Observe(hub)}
	if r, err := m.RemoteRunner(); err == nil && r != m.runner {
		cancels = append(cancels, r.Observe(hub))
	}
	mux.Handle("GET "+opts.EventsEndpoint, hub)

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
		hub.Close()
	}
}

type handlers struct {
	model *Model
	log   *zap.Logger
}

type trainRequest struct {
	Hyperparameters json.RawMessage            `json:"hyperparameters"`
	Inputs          map[string]json.RawMessage `json:"inputs"`
	Remote          bool                       `json:"remote"`
}

type trainResponse struct {
	InstanceID  string         `json:"instance_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

func (h *handlers) train(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeBody(w, r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err)
		return
	}

	m := h.model
	hp, err := m.DecodeHyperparameters(req.Hyperparameters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inputs, err := m.DecodeReaderInputs(req.Inputs)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if req.Remote {
		id, err := m.RemoteTrain(r.Context(), hp, WithReaderInputs(inputs))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		server.WriteJSON(w, http.StatusAccepted, trainResponse{ExecutionID: id})
		return
	}

	res, err := m.Train(r.Context(), hp, WithReaderInputs(inputs))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, trainResponse{InstanceID: res.InstanceID, Metrics: res.Metrics})
}

type predictRequest struct {
	Features     json.RawMessage            `json:"features"`
	Inputs       map[string]json.RawMessage `json:"inputs"`
	ModelSource  string                     `json:"model_source"`
	ModelVersion string                     `json:"model_version"`
}

func (h *handlers) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(w, r, &req); err != nil {
		server.WriteError(w, http.StatusBadRequest, err)
		return
	}

	m := h.model
	ctx := r.Context()
	var opts []RunOption

	switch req.ModelSource {
	case "", "local":
		if req.ModelVersion != "" {
			opts = append(opts, WithModelVersion(req.ModelVersion))
		}
	case "remote":
		model, err := m.remoteModel(ctx, req.ModelVersion)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		opts = append(opts, WithModel(model))
	default:
		server.WriteError(w, http.StatusBadRequest, fmt.Errorf("unknown model_source %q", req.ModelSource))
		return
	}

	if !isJSONNull(req.Features) {
		features, err := m.DecodeFeatures(req.Features)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		opts = append(opts, WithFeatures(features))
	} else {
		inputs, err := m.DecodeReaderInputs(req.Inputs)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		opts = append(opts, WithReaderInputs(inputs))
	}

	predictions, err := m.Predict(ctx, opts...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{PredictionsOutput: predictions})
}

func (m *Model) remoteModel(ctx context.Context, version string) (any, error) {
	if version != "" {
		return m.FetchModel(ctx, version)
	}
	return m.LatestRemoteModel(ctx)
}

type paramInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type workflowInfo struct {
	Inputs  []paramInfo `json:"inputs"`
	Outputs []paramInfo `json:"outputs"`
}

type summaryResponse struct {
	Name            string                  `json:"name"`
	Dataset         string                  `json:"dataset"`
	Workflows       map[string]workflowInfo `json:"workflows"`
	Hyperparameters map[string]string       `json:"hyperparameters,omitempty"`
	LatestMetrics   map[string]any          `json:"latest_metrics,omitempty"`
	Remote          *remoteInfo             `json:"remote,omitempty"`
}

type remoteInfo struct {
	Project    string `json:"project"`
	Domain     string `json:"domain"`
	Registry   string `json:"registry,omitempty"`
	Dockerfile string `json:"dockerfile"`
}

func params(ps []flow.Param) []paramInfo {
	out := make([]paramInfo, len(ps))
	for i, p := range ps {
		out[i] = paramInfo{Name: p.Name, Type: p.Type.String()}
	}
	return out
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	m := h.model
	resp := summaryResponse{
		Name:          m.Name,
		Dataset:       m.Dataset.Name,
		Workflows:     make(map[string]workflowInfo),
		LatestMetrics: m.LatestMetrics(),
	}
	for name, wf := range m.Workflows() {
		iface := wf.Interface()
		resp.Workflows[name] = workflowInfo{Inputs: params(iface.Inputs), Outputs: params(iface.Outputs)}
	}
	if schema := m.HyperparameterSchema(); len(schema) > 0 {
		resp.Hyperparameters = make(map[string]string, len(schema))
		for k, t := range schema {
			resp.Hyperparameters[k] = t.String()
		}
	}
	if cfg, err := m.RemoteConfig(); err == nil {
		resp.Remote = &remoteInfo{
			Project:    cfg.Project,
			Domain:     cfg.Domain,
			Registry:   m.Registry(),
			Dockerfile: m.Dockerfile(),
		}
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

type executionResponse struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"`
	Status    api.Status     `json:"status"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

func (h *handlers) execution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.model.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inst := exec.Instance
	resp := executionResponse{
		ID:        inst.ID,
		Workflow:  inst.Name,
		Status:    inst.Status,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
	if inst.Err != nil {
		resp.Error = inst.Err.Error()
	}
	// Outputs that cannot be encoded, such as opaque models, are left out.
	for name, v := range exec.Outputs {
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		if resp.Outputs == nil {
			resp.Outputs = make(map[string]any, len(exec.Outputs))
		}
		resp.Outputs[name] = v
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", server.RequestIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	server.WriteError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrHyperparametersRequired),
		errors.Is(err, ErrInvalidOption),
		errors.Is(err, flow.ErrMissingInput),
		errors.Is(err, flow.ErrUnknownInput),
		errors.Is(err, flow.ErrTypeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrModelNotTrained),
		errors.Is(err, flow.ErrNotCompleted),
		errors.Is(err, ErrNotRemote):
		return http.StatusConflict
	case errors.Is(err, ErrNotConfigured),
		errors.Is(err, dataset.ErrNoReader):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeAs decodes raw JSON into a value of type t.
func decodeAs(raw json.RawMessage, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", flow.ErrTypeMismatch, err)
	}
	return ptr.Elem().Interface(), nil
}

// DecodeHyperparameters decodes JSON into the train task's hyperparameter
// type. Empty input and null are ErrHyperparametersRequired.
func (m *Model) DecodeHyperparameters(raw json.RawMessage) (any, error) {
	if isJSONNull(raw) {
		return nil, ErrHyperparametersRequired
	}
	task, err := m.TrainTask()
	if err != nil {
		return nil, err
	}
	hp, err := decodeAs(raw, task.Interface.Inputs[0].Type)
	if err != nil {
		return nil, fmt.Errorf("hyperparameters: %w", err)
	}
	return hp, nil
}

// DecodeFeatures decodes JSON into the predictor's feature type.
func (m *Model) DecodeFeatures(raw json.RawMessage) (any, error) {
	task, err := m.PredictFromFeaturesTask()
	if err != nil {
		return nil, err
	}
	features, err := decodeAs(raw, task.Interface.Inputs[1].Type)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	return features, nil
}

// DecodeReaderInputs decodes each JSON value into the type of the reader
// input of the same name.
func (m *Model) DecodeReaderInputs(raw map[string]json.RawMessage) (map[string]any, error) {
	declared := m.Dataset.ReaderInputs()
	types := make(map[string]reflect.Type, len(declared))
	for _, p := range declared {
		types[p.Name] = p.Type
	}
	out := make(map[string]any, len(raw))
	for name, msg := range raw {
		t, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", flow.ErrUnknownInput, name)
		}
		v, err := decodeAs(msg, t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
