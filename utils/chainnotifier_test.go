package utils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// stubBlockEpochRegistrar implements BlockEpochRegistrar and records the
// number of attempts before succeeding.
type stubBlockEpochRegistrar struct {
	mu           sync.Mutex
	attempts     int
	succeedAfter int
}

func (s *stubBlockEpochRegistrar) RegisterBlockEpochNtfn(
	context.Context) (chan int32, chan error, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.attempts <= s.succeedAfter {
		return nil, nil, status.Error(
			codes.Unknown, chainNotifierStartupMessage,
		)
	}

	return make(chan int32), make(chan error), nil
}

func (s *stubBlockEpochRegistrar) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attempts
}

func TestRegisterBlockEpochNtfnWithRetry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stub := &stubBlockEpochRegistrar{succeedAfter: 1}

	blockChan, errChan, err := RegisterBlockEpochNtfnWithRetry(ctx, stub)
	require.NoError(t, err)
	require.NotNil(t, blockChan)
	require.NotNil(t, errChan)
	require.Equal(t, 2, stub.Attempts())
}

func TestRegisterBlockEpochNtfnWithRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	stub := &stubBlockEpochRegistrar{succeedAfter: 100}

	_, _, err := RegisterBlockEpochNtfnWithRetry(ctx, stub)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, stub.Attempts(), 1)
}

func TestRegisterBlockEpochNtfnWithRetryPropagatesOtherErrors(t *testing.T) {
	_, _, err := RegisterBlockEpochNtfnWithRetry(
		context.Background(), &erroringRegistrar{},
	)
	require.Error(t, err)
	require.NotErrorIs(t, err, context.Canceled)
}

// erroringRegistrar always fails with an error unrelated to chain notifier
// startup, which should not be retried.
type erroringRegistrar struct{}

func (erroringRegistrar) RegisterBlockEpochNtfn(
	context.Context) (chan int32, chan error, error) {

	return nil, nil, status.Error(codes.PermissionDenied, "denied")
}
