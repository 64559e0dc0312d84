package fluxoml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/flow"
)

// ErrNotRemote is returned by remote operations before Remote is called.
var ErrNotRemote = errors.New("fluxoml: model has no remote configuration")

var errStillRunning = errors.New("fluxoml: execution still running")

// DefaultDockerfile is recorded when RemoteOptions.Dockerfile is empty.
const DefaultDockerfile = "Dockerfile"

// RemoteOptions configures remote execution. Registry and Dockerfile are
// recorded for deployment tooling; fluxoml does not build images.
type RemoteOptions struct {
	Registry       string
	Dockerfile     string
	ConfigFilePath string

	// Project and Domain override the values of the config file.
	Project string
	Domain  string

	// Runner, when set, is used instead of opening the configured backend.
	// The model does not close it.
	Runner *Runner
}

type remoteState struct {
	opts     RemoteOptions
	cfg      *Config
	runner   *Runner
	owned    bool
	deployed bool
}

// Remote connects the model to the runner described by the config file.
// Calling it again replaces the previous connection.
func (m *Model) Remote(ctx context.Context, opts RemoteOptions) error {
	cfg, err := LoadConfig(opts.ConfigFilePath)
	if err != nil {
		return err
	}
	if opts.Project != "" {
		cfg.Project = opts.Project
	}
	if opts.Domain != "" {
		cfg.Domain = opts.Domain
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = DefaultDockerfile
	}

	runner, owned := opts.Runner, false
	if runner == nil {
		if runner, err = cfg.OpenRunner(ctx); err != nil {
			return err
		}
		owned = true
	}

	m.mu.Lock()
	prev := m.remote
	m.remote = &remoteState{opts: opts, cfg: cfg, runner: runner, owned: owned}
	m.mu.Unlock()

	if prev != nil && prev.owned {
		if err := prev.runner.Close(); err != nil {
			m.logger.Warn("close previous remote runner", slog.Any("error", err))
		}
	}
	m.logger.Info("remote configured",
		slog.String("model", m.Name),
		slog.String("project", cfg.Project),
		slog.String("domain", cfg.Domain),
		slog.String("backend", cfg.Backend.Type),
	)
	return nil
}

func (m *Model) remoteState() (*remoteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return nil, ErrNotRemote
	}
	return m.remote, nil
}

// ConfigFilePath returns the config path given to Remote.
func (m *Model) ConfigFilePath() string {
	if r, err := m.remoteState(); err == nil {
		return r.opts.ConfigFilePath
	}
	return ""
}

// Registry returns the image registry given to Remote.
func (m *Model) Registry() string {
	if r, err := m.remoteState(); err == nil {
		return r.opts.Registry
	}
	return ""
}

// Dockerfile returns the Dockerfile given to Remote, "Dockerfile" by
// default, or "" before Remote.
func (m *Model) Dockerfile() string {
	if r, err := m.remoteState(); err == nil {
		return r.opts.Dockerfile
	}
	return ""
}

// RemoteConfig returns the config loaded by Remote.
func (m *Model) RemoteConfig() (*Config, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}
	return r.cfg, nil
}

// RemoteRunner returns the runner connected by Remote.
func (m *Model) RemoteRunner() (*Runner, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}
	return r.runner, nil
}

// RemoteName returns the name a workflow is deployed under,
// "<project>.<domain>.<workflow>".
func (m *Model) RemoteName(workflow string) (string, error) {
	r, err := m.remoteState()
	if err != nil {
		return "", err
	}
	return r.cfg.QualifiedName(workflow), nil
}

// Deploy registers the model's workflows on the remote runner. Workers
// serving the model must call Deploy too, since definitions hold Go
// functions. Deploy is idempotent.
func (m *Model) Deploy(ctx context.Context) error {
	r, err := m.remoteState()
	if err != nil {
		return err
	}

	eng := r.runner.Engine
	for _, wf := range m.Workflows() {
		name := r.cfg.QualifiedName(wf.Name)
		if eng.HasWorkflow(name) {
			continue
		}
		if err := wf.RegisterAs(eng, name); err != nil && !errors.Is(err, api.ErrWorkflowExists) {
			return fmt.Errorf("fluxoml: deploy %s: %w", name, err)
		}
		m.logger.Info("workflow deployed", slog.String("workflow", name))
	}

	m.mu.Lock()
	r.deployed = true
	m.mu.Unlock()
	return nil
}

func (m *Model) deployed(ctx context.Context) (*remoteState, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	done := r.deployed
	m.mu.Unlock()
	if !done {
		if err := m.Deploy(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// RemoteTrain starts the train workflow on the remote runner and returns
// the execution id. Workers attached to the remote queue run it.
func (m *Model) RemoteTrain(ctx context.Context, hyperparameters any, opts ...RunOption) (string, error) {
	if isNil(hyperparameters) {
		return "", ErrHyperparametersRequired
	}
	o := collectRunOptions(opts)
	if err := o.forTraining(); err != nil {
		return "", err
	}
	r, err := m.deployed(ctx)
	if err != nil {
		return "", err
	}

	wf, err := m.TrainWorkflow()
	if err != nil {
		return "", err
	}
	inputs, err := m.trainInputs(hyperparameters, o.readerInputs)
	if err != nil {
		return "", err
	}
	inst, err := wf.Start(ctx, r.runner.Engine, r.cfg.QualifiedName(wf.Name), inputs)
	if err != nil {
		return "", fmt.Errorf("fluxoml: remote train %s: %w", m.Name, err)
	}
	return inst.ID, nil
}

// RemotePredict starts a predict workflow on the remote runner and returns
// the execution id. Without WithModel or WithModelVersion the newest
// completed remote training is used.
func (m *Model) RemotePredict(ctx context.Context, opts ...RunOption) (string, error) {
	o := collectRunOptions(opts)
	r, err := m.deployed(ctx)
	if err != nil {
		return "", err
	}

	var model any
	switch {
	case o.hasModel:
		model = o.model
	case o.modelVersion != "":
		model, err = m.FetchModel(ctx, o.modelVersion)
	default:
		model, err = m.LatestRemoteModel(ctx)
	}
	if err != nil {
		return "", err
	}

	wf, inputs, err := m.predictCall(model, o)
	if err != nil {
		return "", err
	}
	inst, err := wf.Start(ctx, r.runner.Engine, r.cfg.QualifiedName(wf.Name), inputs)
	if err != nil {
		return "", fmt.Errorf("fluxoml: remote predict %s: %w", m.Name, err)
	}
	return inst.ID, nil
}

// Execution returns the current state of an execution without waiting,
// looking in the local runner first and then in the remote one. Outputs
// are set only for completed executions.
func (m *Model) Execution(ctx context.Context, id string) (*flow.Execution, error) {
	inst, err := m.runner.Engine.GetInstance(ctx, id)
	if errors.Is(err, api.ErrInstanceNotFound) {
		if r, rerr := m.remoteState(); rerr == nil && r.runner != m.runner {
			inst, err = r.runner.Engine.GetInstance(ctx, id)
		}
	}
	if err != nil {
		return nil, err
	}
	exec := &flow.Execution{Instance: inst}
	if inst.Status == api.StatusCompleted {
		if exec.Outputs, err = flow.Outputs(inst); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

// Wait polls a remote execution with exponential backoff until it
// completes or fails, or ctx is done. A failed execution is returned
// together with its error.
func (m *Model) Wait(ctx context.Context, id string) (*flow.Execution, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var inst *api.WorkflowInstance
	err = backoff.Retry(func() error {
		got, err := r.runner.Engine.GetInstance(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrInstanceNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !got.Status.Terminal() {
			return errStillRunning
		}
		inst = got
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	exec := &flow.Execution{Instance: inst}
	if exec.Outputs, err = flow.Outputs(inst); err != nil {
		return exec, err
	}
	return exec, nil
}

// FetchModel returns the trained model of a completed remote train
// execution.
func (m *Model) FetchModel(ctx context.Context, id string) (any, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}
	inst, err := r.runner.Engine.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if want := r.cfg.QualifiedName(m.TrainWorkflowName()); inst.Name != want {
		return nil, fmt.Errorf("fluxoml: execution %s ran %s, not %s", id, inst.Name, want)
	}
	outputs, err := flow.Outputs(inst)
	if err != nil {
		return nil, err
	}
	return outputs[TrainedModelOutput], nil
}

// LatestRemoteModel returns the model of the newest completed remote
// train execution.
func (m *Model) LatestRemoteModel(ctx context.Context) (any, error) {
	r, err := m.remoteState()
	if err != nil {
		return nil, err
	}
	insts, err := r.runner.Engine.ListInstances(ctx, api.InstanceListOptions{
		WorkflowName: r.cfg.QualifiedName(m.TrainWorkflowName()),
		Status:       api.StatusCompleted,
	})
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, ErrModelNotTrained
	}
	outputs, err := flow.Outputs(insts[len(insts)-1])
	if err != nil {
		return nil, err
	}
	return outputs[TrainedModelOutput], nil
}

// Close releases the remote runner if Remote opened it, and the local
// runner if the model created it.
func (m *Model) Close() error {
	m.mu.Lock()
	r := m.remote
	m.remote = nil
	m.mu.Unlock()

	var result *multierror.Error
	if r != nil && r.owned {
		if err := r.runner.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if m.ownsRunner {
		if err := m.runner.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
