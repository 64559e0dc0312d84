package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml"
	"github.com/petrijr/fluxoml/pkg/dataset"
)

type meanParams struct {
	Bias float64 `json:"bias"`
}

type meanModel struct {
	Bias float64
	Mean float64
}

type readParams struct {
	Rows int
}

func constantReader(p readParams) (dataset.Frame, error) {
	if p.Rows <= 0 {
		return dataset.Frame{}, errors.New("rows must be positive")
	}
	f := dataset.Frame{Columns: []string{"x", "y"}}
	for i := 0; i < p.Rows; i++ {
		f.Rows = append(f.Rows, []float64{float64(i), 3})
	}
	return f, nil
}

func newMeanModel(t *testing.T) *fluxoml.Model {
	t.Helper()
	ds := dataset.New("constant", dataset.WithTargets("y")).Reader(constantReader)
	m := fluxoml.NewModel("mean", ds).
		Init(func(p meanParams) *meanModel {
			return &meanModel{Bias: p.Bias}
		}).
		Trainer(func(m *meanModel, x dataset.Frame, y []float64) *meanModel {
			var sum float64
			for _, v := range y {
				sum += v
			}
			return &meanModel{Bias: m.Bias, Mean: sum/float64(len(y)) + m.Bias}
		}).
		Predictor(func(m *meanModel, x dataset.Frame) []float64 {
			out := make([]float64, x.Len())
			for i := range out {
				out[i] = m.Mean
			}
			return out
		}).
		Evaluator(func(m *meanModel, x dataset.Frame, y []float64) float64 {
			var sum float64
			for _, v := range y {
				sum += math.Abs(v - m.Mean)
			}
			return sum / float64(len(y))
		})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func execute(ctx context.Context, m *fluxoml.Model, args ...string) (map[string]any, error) {
	var out, stderr bytes.Buffer
	cmd := NewCommand(m)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return nil, err
	}
	var result map[string]any
	if out.Len() > 0 {
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTrainAndPredictLocally(t *testing.T) {
	m := newMeanModel(t)
	ctx := testContext(t)

	_, err := execute(ctx, m, "train", "--inputs", `{"rows": 5}`)
	require.ErrorIs(t, err, fluxoml.ErrHyperparametersRequired)

	out, err := execute(ctx, m, "train", "--hyperparameters", `{"bias": 0}`, "--inputs", `{"rows": 5}`)
	require.NoError(t, err)
	require.NotEmpty(t, out["instance_id"])
	metrics := out["metrics"].(map[string]any)
	require.Equal(t, 0.0, metrics["train"])
	require.Equal(t, 0.0, metrics["test"])

	out, err = execute(ctx, m, "predict", "--features", `[{"x": 1}, {"x": 7}]`)
	require.NoError(t, err)
	require.Equal(t, []any{3.0, 3.0}, out["predictions"])

	out, err = execute(ctx, m, "predict", "--inputs", `{"rows": 2}`)
	require.NoError(t, err)
	require.Equal(t, []any{3.0, 3.0}, out["predictions"])
}

func TestTrain_HyperparametersFile(t *testing.T) {
	m := newMeanModel(t)
	path := filepath.Join(t.TempDir(), "hp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bias": 1.5}`), 0o600))

	out, err := execute(testContext(t), m, "train", "--hyperparameters-file", path, "--inputs", `{"rows": 4}`)
	require.NoError(t, err)
	require.Equal(t, 1.5, out["metrics"].(map[string]any)["train"])

	_, err = execute(testContext(t), m, "train", "--hyperparameters", "{}", "--hyperparameters-file", path)
	require.Error(t, err)
}

func TestDeploy_WritesRotatedLog(t *testing.T) {
	m := newMeanModel(t)
	dir := t.TempDir()
	config := filepath.Join(dir, "fluxoml.yaml")
	require.NoError(t, os.WriteFile(config, []byte(
		"project: demo\ndomain: dev\nbackend:\n  type: sqlite\n  dsn: file:"+filepath.Join(dir, "remote.db")+"\n"), 0o600))
	logFile := filepath.Join(dir, "logs", "fluxoml.log")

	out, err := execute(testContext(t), m, "deploy", "--config", config, "--log-file", logFile, "--log-json")
	require.NoError(t, err)
	require.Equal(t, []any{
		"demo.dev.mean.predict",
		"demo.dev.mean.predict_from_features",
		"demo.dev.mean.train",
	}, out["workflows"])

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"deployed"`)
}

func TestRemoteTrainPredictAndStatus(t *testing.T) {
	m := newMeanModel(t)
	ctx := testContext(t)

	runner := fluxoml.NewLocalRunner()
	t.Cleanup(func() { _ = runner.Close() })
	require.NoError(t, m.Remote(ctx, fluxoml.RemoteOptions{Runner: runner, Project: "p", Domain: "d"}))
	require.NoError(t, runner.StartWorkers(ctx, 1))

	out, err := execute(ctx, m, "train", "--remote", "--wait", "--hyperparameters", `{"bias": 0}`, "--inputs", `{"rows": 6}`)
	require.NoError(t, err)
	id := out["execution_id"].(string)
	require.NotEmpty(t, id)
	require.Equal(t, 0.0, out["metrics"].(map[string]any)["test"])

	out, err = execute(ctx, m, "status", id)
	require.NoError(t, err)
	require.Equal(t, string(fluxoml.StatusCompleted), out["status"])
	require.Equal(t, "p.d.mean.train", out["workflow"])

	out, err = execute(ctx, m, "predict", "--remote", "--wait", "--model-version", id, "--features", `[{"x": 2}]`)
	require.NoError(t, err)
	require.Equal(t, []any{3.0}, out["predictions"])

	// Locally the newest remote model is used when none was trained here.
	out, err = execute(ctx, m, "predict", "--inputs", `{"rows": 2}`)
	require.NoError(t, err)
	require.Equal(t, []any{3.0, 3.0}, out["predictions"])
}

func TestWorkerRunsUntilCancelled(t *testing.T) {
	m := newMeanModel(t)
	ctx := testContext(t)

	runner := fluxoml.NewLocalRunner()
	t.Cleanup(func() { _ = runner.Close() })
	require.NoError(t, m.Remote(ctx, fluxoml.RemoteOptions{Runner: runner}))

	workerCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := execute(workerCtx, m, "worker", "--concurrency", "2")
		done <- err
	}()

	id, err := m.RemoteTrain(ctx, meanParams{}, fluxoml.WithReaderInputs(map[string]any{"rows": 3}))
	require.NoError(t, err)
	exec, err := m.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, fluxoml.StatusCompleted, exec.Instance.Status)

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewLoggers(t *testing.T) {
	var buf bytes.Buffer
	logs, err := NewLoggers(LogOptions{Level: "warn"}, &buf)
	require.NoError(t, err)

	logs.Zap.Info("hidden")
	logs.Zap.Warn("shown")
	logs.Slog.Info("hidden too")
	logs.Slog.Error("slog shown")
	require.NoError(t, logs.Close())

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "slog shown")

	_, err = NewLoggers(LogOptions{Level: "loud"}, &buf)
	require.Error(t, err)
}
