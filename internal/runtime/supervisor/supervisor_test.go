package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "tajpoint/pkg/logx"
)

func TestSafeRecoversPanic(t *testing.T) {
	t.Parallel()
	err := Safe(logx.Nop(), "boom", func() error { panic("malformed payload") })
	if err == nil {
		t.Fatal("Safe returned nil after panic")
	}
}

func TestGoRestartRetriesThenGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("channel error")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait returned nil, want the give-up error")
	}
	if runs.Load() != 4 {
		t.Fatalf("runs = %d, want 4 (1 + 3 restarts)", runs.Load())
	}
}

func TestGoPanicDoesNotCrash(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("x") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected recorded error")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Active != 0 || snap[0].LastErr == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopCancelsLoops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
