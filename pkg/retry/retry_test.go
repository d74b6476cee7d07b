package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(retries int) *Config {
	return &Config{
		MaxRetries:   retries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestPolling(t *testing.T) {
	cfg := Polling(10*time.Millisecond, 4)
	assert.Equal(t, 3, cfg.MaxRetries, "attempts include the first call")
	assert.Equal(t, cfg.InitialDelay, cfg.MaxDelay)
	assert.Equal(t, 1.0, cfg.Multiplier)

	assert.Equal(t, 0, Polling(time.Millisecond, 0).MaxRetries)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	expectedErr := errors.New("persistent error")
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		callCount++
		return expectedErr
	})

	assert.Same(t, expectedErr, err)
	// initial attempt + 2 retries
	assert.Equal(t, 3, callCount)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	callCount := 0
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		callCount++
		return errors.New("error")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestDo_PollingIntervalIsFixed(t *testing.T) {
	var callTimes []time.Time
	cfg := Polling(30*time.Millisecond, 3)
	cfg.JitterFactor = 0

	_ = Do(context.Background(), cfg, func() error {
		callTimes = append(callTimes, time.Now())
		return errors.New("busy")
	})

	require.Len(t, callTimes, 3)
	for i := 1; i < len(callTimes); i++ {
		gap := callTimes[i].Sub(callTimes[i-1])
		assert.GreaterOrEqual(t, gap, 25*time.Millisecond)
		assert.Less(t, gap, 80*time.Millisecond)
	}
}

func TestDoWithResult_KeepsLastResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(2), func() (int, error) {
		callCount++
		return callCount, errors.New("nope")
	})

	require.Error(t, err)
	assert.Equal(t, 3, result)
}

func TestDoWithResult_NilConfig(t *testing.T) {
	result, err := DoWithResult(context.Background(), nil, func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"i/o timeout", errors.New("read: i/o timeout"), true},
		{"starting up", errors.New("FATAL: the database system is starting up"), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"admin shutdown class 08", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"permission denied", errors.New("permission denied for schema public"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestDoIfRetryable_NonRetryableError(t *testing.T) {
	expectedErr := &pgconn.PgError{Code: "23505"}
	callCount := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		callCount++
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
	assert.Equal(t, 1, callCount, "permanent errors are not retried")
}

func TestDoIfRetryable_RetryableError(t *testing.T) {
	callCount := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("connection timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestDoIfRetryable_EscalatesRepeatedErrors(t *testing.T) {
	cfg := fastConfig(10)
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.MaxSameErrorType = 3

	callCount := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		callCount++
		return &pgconn.PgError{Code: "40P01"}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeated error (3 times, type=sqlstate_40P01)")
	assert.Equal(t, 3, callCount)
}
