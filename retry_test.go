package fluxoml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxoml/pkg/flow"
)

func TestRetry_NonPositiveMaxAttemptsDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, Retry(0).Policy().MaxAttempts)
	require.Equal(t, 1, Retry(-5).Policy().MaxAttempts)
}

func TestRetry_WithExponentialBackoff(t *testing.T) {
	p := Retry(3).WithExponentialBackoff(100*time.Millisecond, 0, 2*time.Second).Policy()
	require.Equal(t, RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
	}, p)

	p = Retry(4).WithExponentialBackoff(50*time.Millisecond, 3, 0).Policy()
	require.Equal(t, 3.0, p.BackoffMultiplier)
	require.Zero(t, p.MaxBackoff)
}

func TestRetry_ConstantAndImmediate(t *testing.T) {
	p := Retry(2).WithConstantBackoff(10 * time.Millisecond).Policy()
	require.Equal(t, 10*time.Millisecond, p.InitialBackoff)
	require.Equal(t, 1.0, p.BackoffMultiplier)

	p = Retry(5).WithConstantBackoff(time.Second).Immediate().Policy()
	require.Equal(t, RetryPolicy{MaxAttempts: 5}, p)
}

func TestRetry_TaskOption(t *testing.T) {
	task := flow.NewTask("t", flow.Interface{}, nil, Retry(3).Immediate().Task())
	require.NotNil(t, task.Retry)
	require.Equal(t, 3, task.Retry.MaxAttempts)
}
