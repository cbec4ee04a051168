package btcrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("connection refused")

// TestRetry checks which errors are retried.
func TestRetry(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond}

	testCases := []struct {
		name        string
		failures    int
		failure     error
		maxAttempts int
		calls       int
		expectErr   error
	}{
		{
			name:  "success",
			calls: 1,
		},
		{
			name:     "unavailable then success",
			failures: 3,
			failure: &RPCUnavailableError{
				Backend: "test", Op: "op", Err: errConnRefused,
			},
			calls: 4,
		},
		{
			name:      "permanent error",
			failures:  3,
			failure:   ErrDoubleSpend,
			calls:     1,
			expectErr: ErrDoubleSpend,
		},
		{
			name:     "attempts exhausted",
			failures: 10,
			failure: &RPCUnavailableError{
				Backend: "test", Op: "op", Err: errConnRefused,
			},
			maxAttempts: 2,
			calls:       2,
			expectErr:   errConnRefused,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			bo := b
			bo.MaxAttempts = tc.maxAttempts

			err := Retry(context.Background(), bo,
				func(context.Context) error {
					calls++
					if calls <= tc.failures {
						return tc.failure
					}

					return nil
				},
			)

			require.Equal(t, tc.calls, calls)
			if tc.expectErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.expectErr)
		})
	}
}

// TestRetryContextCancel makes sure Retry returns once the context is done.
func TestRetryContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, DefaultBackoff(), func(context.Context) error {
		calls++
		return &RPCUnavailableError{Err: errConnRefused}
	})

	require.True(t, IsUnavailable(err))
	require.Equal(t, 1, calls)
}

// TestClassifyRejection maps reject reasons onto the gateway errors.
func TestClassifyRejection(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		reason string
		err    error
	}{
		{"txn-already-known", ErrAlreadyKnown},
		{"Transaction already in block chain", ErrAlreadyKnown},
		{"txn-mempool-conflict", ErrDoubleSpend},
		{"bad-txns-inputs-missingorspent", ErrDoubleSpend},
		{"min relay fee not met", ErrRejected},
	}

	for _, tc := range testCases {
		require.ErrorIs(t, classifyRejection(tc.reason), tc.err,
			tc.reason)
	}
}
