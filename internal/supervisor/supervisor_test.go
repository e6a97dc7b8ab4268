package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_restartsFailedTask(t *testing.T) {
	var runs int32
	s := New()
	s.Add(Entry{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&runs, 1)
			if n < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return ctx.Err()
		},
		Restart: true,
		Delay:   time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(3))
}

func TestRun_failFastCancelsSiblings(t *testing.T) {
	var sawCancel int32
	s := New()
	s.Add(Entry{
		Name: "dies",
		Run: func(ctx context.Context) error {
			return errors.New("fatal")
		},
		FailFast: true,
	})
	s.Add(Entry{
		Name: "survivor",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			atomic.StoreInt32(&sawCancel, 1)
			return ctx.Err()
		},
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "fatal")
	require.Equal(t, int32(1), atomic.LoadInt32(&sawCancel))
}

func TestRun_recoversPanic(t *testing.T) {
	s := New()
	s.Add(Entry{
		Name: "panics",
		Run: func(ctx context.Context) error {
			panic("kaboom")
		},
		FailFast: true,
	})
	err := s.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic: kaboom")
}

func TestRun_noEntries(t *testing.T) {
	s := New()
	err := s.Run(context.Background())
	require.Error(t, err)
}
