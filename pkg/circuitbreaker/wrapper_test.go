package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/config"
)

var errBoom = errors.New("boom")

func fail() (interface{}, error) { return nil, errBoom }

func TestFromConfig_Disabled(t *testing.T) {
	assert.Nil(t, FromConfig("disabled", config.CircuitBreakerConfig{}))
}

func TestFromConfig_TripsOnRatio(t *testing.T) {
	w := FromConfig("ratio", config.CircuitBreakerConfig{
		Enabled:      true,
		FailureRatio: 0.5,
		MinRequests:  4,
		Timeout:      time.Hour,
	})
	require.NotNil(t, w)
	assert.Equal(t, "ratio", w.Name())

	for i := 0; i < 3; i++ {
		_, err := w.Execute(fail)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.True(t, w.IsClosed(), "below min requests the breaker stays closed")

	_, err := w.Execute(fail)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, w.IsOpen())

	_, err = w.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestWrapper_ExecuteWithContext(t *testing.T) {
	w := NewWrapper(DefaultConfig("ctx"))

	out, err := w.ExecuteWithContext(context.Background(), func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, uint32(1), w.Counts().TotalSuccesses)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err = w.ExecuteWithContext(ctx, func() (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWrapper_StateChangeHandler(t *testing.T) {
	var transitions []gobreaker.State
	cfg := DefaultConfig("handler")
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}
	w := NewWrapper(cfg)

	for i := 0; i < 3; i++ {
		w.Execute(fail)
	}
	require.True(t, w.IsOpen())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
	assert.False(t, w.IsHalfOpen())
}
