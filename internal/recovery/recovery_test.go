package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthctl/hearth/internal/device"
)

func fastConfig() Config {
	return Config{
		MaxRetries:       2,
		InitialInterval:  time.Millisecond,
		MaxInterval:      2 * time.Millisecond,
		CallTimeout:      time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  20 * time.Millisecond,
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	p := New("test", fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: flaky", device.ErrNetwork)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteBoundsRetries(t *testing.T) {
	p := New("test", fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: down", device.ErrDeviceUnavailable)
	})

	require.Error(t, err)
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryUserInput(t *testing.T) {
	p := New("test", fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: unknown color", device.ErrUserInput)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrUserInput))
	assert.Equal(t, 1, attempts)
}

func TestExecuteDoesNotRetryConfigurationErrors(t *testing.T) {
	p := New("test", fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("%w: lights.host must be set", device.ErrConfiguration)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrConfiguration))
	assert.Equal(t, 1, attempts)
}

func TestExecuteDoesNotRetryCancellation(t *testing.T) {
	p := New("test", fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := p.Execute(ctx, "op", func(ctx context.Context) error {
		attempts++
		return context.Canceled
	})

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

func TestBreakerOpensAfterRepeatedExhaustion(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerCooldown = time.Hour
	p := New("test", cfg)

	fail := func(ctx context.Context) error {
		return fmt.Errorf("%w: down", device.ErrDeviceUnavailable)
	}

	for i := 0; i < cfg.BreakerThreshold; i++ {
		require.Error(t, p.Execute(context.Background(), "op", fail))
	}
	require.True(t, p.Open())

	// Short-circuits without invoking the operation.
	called := false
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
	assert.False(t, called)
}

func TestBreakerCooldownAllowsProbe(t *testing.T) {
	cfg := fastConfig()
	p := New("test", cfg)

	fail := func(ctx context.Context) error {
		return fmt.Errorf("%w: down", device.ErrDeviceUnavailable)
	}
	for i := 0; i < cfg.BreakerThreshold; i++ {
		require.Error(t, p.Execute(context.Background(), "op", fail))
	}

	time.Sleep(2 * cfg.BreakerCooldown)

	// The probe succeeds and closes the breaker.
	called := false
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, p.Open())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cfg := fastConfig()
	p := New("test", cfg)

	fail := func(ctx context.Context) error {
		return fmt.Errorf("%w: down", device.ErrDeviceUnavailable)
	}
	ok := func(ctx context.Context) error { return nil }

	for i := 0; i < cfg.BreakerThreshold-1; i++ {
		require.Error(t, p.Execute(context.Background(), "op", fail))
	}
	require.NoError(t, p.Execute(context.Background(), "op", ok))

	// The earlier failures no longer count toward the threshold.
	for i := 0; i < cfg.BreakerThreshold-1; i++ {
		require.Error(t, p.Execute(context.Background(), "op", fail))
	}
	assert.False(t, p.Open())
}

func TestPerAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 1
	cfg.CallTimeout = 10 * time.Millisecond
	p := New("test", cfg)

	attempts := 0
	err := p.Execute(context.Background(), "op", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return fmt.Errorf("%w: %v", device.ErrNetwork, ctx.Err())
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}
