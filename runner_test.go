package fluxoml

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petrijr/fluxoml/pkg/api"
	"github.com/petrijr/fluxoml/pkg/worker"
)

func incrementWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		Name: "increment",
		Steps: []api.StepDefinition{{
			Name: "add-one",
			Fn: func(ctx context.Context, input any) (any, error) {
				return input.(int) + 1, nil
			},
		}},
	}
}

func waitCompleted(t *testing.T, eng Engine, id string) *WorkflowInstance {
	t.Helper()
	var inst *WorkflowInstance
	require.Eventually(t, func() bool {
		got, err := GetInstance(context.Background(), eng, id)
		if err != nil {
			return false
		}
		inst = got
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return inst
}

func TestRunner_StartWorkersRunsQueuedInstances(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewLocalRunner()
	require.NoError(t, r.Engine.RegisterWorkflow(incrementWorkflow()))

	ctx := context.Background()
	require.NoError(t, r.StartWorkers(ctx, 2))
	require.ErrorIs(t, r.StartWorkers(ctx, 1), ErrRunnerStarted)

	inst, err := r.Engine.Start(ctx, "increment", 41)
	require.NoError(t, err)

	done := waitCompleted(t, r.Engine, inst.ID)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 42, done.Output)

	require.NoError(t, r.Close())
	r.Stop()
}

func TestRunner_StopAndRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewLocalRunner()
	defer func() { require.NoError(t, r.Close()) }()
	require.NoError(t, r.Engine.RegisterWorkflow(incrementWorkflow()))

	ctx := context.Background()
	require.NoError(t, r.StartWorkers(ctx, 1))
	r.Stop()

	inst, err := r.Engine.Start(ctx, "increment", 1)
	require.NoError(t, err)
	got, err := r.Engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)

	require.NoError(t, r.StartWorkers(ctx, 1))
	require.Equal(t, 2, waitCompleted(t, r.Engine, inst.ID).Output)
}

func TestRunner_Observe(t *testing.T) {
	r := NewLocalRunner()
	defer r.Close()
	require.NoError(t, r.Engine.RegisterWorkflow(incrementWorkflow()))

	metrics := &BasicMetrics{}
	cancel := r.Observe(metrics)

	ctx := context.Background()
	_, err := r.Engine.Run(ctx, "increment", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, metrics.Snapshot().WorkflowsCompleted)

	cancel()
	_, err = r.Engine.Run(ctx, "increment", 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, metrics.Snapshot().WorkflowsCompleted)
}

func TestSQLiteRunner_Durable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.db")
	ctx := context.Background()

	open := func() (*Runner, *sql.DB) {
		db, err := openSQLite("file:" + path)
		require.NoError(t, err)
		r, err := NewSQLiteRunner(db, worker.Config{MaxAttempts: 2, Backoff: 10 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, r.Engine.RegisterWorkflow(incrementWorkflow()))
		return r, db
	}

	// Start without workers, then pick the queued instance up after reopening.
	r, db := open()
	inst, err := r.Engine.Start(ctx, "increment", 9)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, db.Close())

	r, db = open()
	defer db.Close()
	defer r.Close()

	n, err := r.RecoverStuckInstances(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, r.StartWorkers(ctx, 1))
	require.Equal(t, 10, waitCompleted(t, r.Engine, inst.ID).Output)
}

func TestResume_ReplaysFailedInstance(t *testing.T) {
	r := NewLocalRunner()
	t.Cleanup(func() { _ = r.Close() })

	calls := 0
	require.NoError(t, r.Engine.RegisterWorkflow(WorkflowDefinition{
		Name: "flaky",
		Steps: []api.StepDefinition{{
			Name: "once-broken",
			Fn: func(ctx context.Context, input any) (any, error) {
				calls++
				if calls == 1 {
					return nil, errors.New("transient")
				}
				return input, nil
			},
		}},
	}))

	ctx := context.Background()
	inst, err := r.Engine.Run(ctx, "flaky", "x")
	require.Error(t, err)
	require.Equal(t, StatusFailed, inst.Status)

	failed, err := ListInstances(ctx, r.Engine, InstanceListOptions{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	resumed, err := Resume(ctx, r.Engine, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, resumed.Status)
	require.Equal(t, "x", resumed.Output)

	_, err = Resume(ctx, r.Engine, inst.ID)
	require.ErrorIs(t, err, api.ErrInvalidState)
}
