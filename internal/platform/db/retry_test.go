package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestClassifyTransientCodes(t *testing.T) {
	for _, code := range []string{CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable, CodeQueryCanceled} {
		err := Classify(fmt.Errorf("commit: %w", &pgconn.PgError{Code: code}))
		require.ErrorIs(t, err, shared.ErrTransient, code)
		var te *shared.TransientError
		require.True(t, errors.As(err, &te))
		require.Equal(t, code, te.Code)
	}

	unique := &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "product_batches_key"}
	err := Classify(unique)
	require.NotErrorIs(t, err, shared.ErrTransient)
	name, ok := IsUniqueViolation(fmt.Errorf("insert: %w", err))
	require.True(t, ok)
	require.Equal(t, "product_batches_key", name)

	require.NoError(t, Classify(nil))
	plain := errors.New("boom")
	require.Equal(t, plain, Classify(plain))
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	var retried []int
	policy := fastPolicy(4)
	policy.OnRetry = func(attempt int, err error) {
		retried = append(retried, attempt)
		require.ErrorIs(t, err, shared.ErrTransient)
	}
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Classify(&pgconn.PgError{Code: CodeSerializationFailure})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestRetryExhaustionSurfacesUnavailable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return Classify(&pgconn.PgError{Code: CodeDeadlockDetected})
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, shared.ErrTemporarilyUnavailable)
	require.ErrorIs(t, err, shared.ErrTransient)
}

func TestRetryDoesNotRepeatPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return &shared.InsufficientStockError{ProductID: 1, Requested: 3, Available: 1}
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.NotErrorIs(t, err, shared.ErrTemporarilyUnavailable)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{Attempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	policy.OnRetry = func(int, error) { cancel() }
	err := Retry(ctx, policy, func(ctx context.Context) error {
		calls++
		return Classify(&pgconn.PgError{Code: CodeLockNotAvailable})
	})
	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, shared.ErrTemporarilyUnavailable)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffIsCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoff(policy, attempt)
		require.LessOrEqual(t, d, 40*time.Millisecond)
		require.Greater(t, d, time.Duration(0))
	}
}
