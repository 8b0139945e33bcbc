package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warpdl/swdriver/pkg/logger"
)

// nearMinute returns a clock that starts lead before the next minute
// boundary and runs at real speed.
func nearMinute(lead time.Duration) func() time.Time {
	start := time.Now()
	base := start.Truncate(time.Minute).Add(time.Minute).Add(-lead)
	return func() time.Time { return base.Add(time.Since(start)) }
}

func TestValidate(t *testing.T) {
	tests := []struct {
		expr string
		err  error
	}{
		{"*/30 * * * *", nil},
		{"0 3 * * 1", nil},
		{"@hourly", nil},
		{"not a cron", ErrInvalidExpr},
		{"* * *", ErrInvalidExpr},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := Validate(tt.expr)
			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	from := time.Date(2024, 5, 1, 10, 7, 30, 0, time.UTC)
	next, err := Next("*/15 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
}

func TestScheduler_Fires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newScheduler(ctx, nil, nearMinute(150*time.Millisecond))

	done := make(chan struct{}, 1)
	if err := s.Add("check", "* * * * *", func(context.Context) error {
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestScheduler_RemoveBeforeFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newScheduler(ctx, nil, nearMinute(300*time.Millisecond))

	var fired atomic.Int32
	_ = s.Add("check", "* * * * *", func(context.Context) error {
		fired.Add(1)
		return nil
	})
	s.Remove("check")
	time.Sleep(600 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("removed job fired")
	}
}

func TestScheduler_AddReplacesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newScheduler(ctx, nil, nearMinute(150*time.Millisecond))

	var first, second atomic.Int32
	_ = s.Add("check", "* * * * *", func(context.Context) error { first.Add(1); return nil })
	_ = s.Add("check", "* * * * *", func(context.Context) error { second.Add(1); return nil })
	time.Sleep(500 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("expected only the replacement to run, got %d/%d", first.Load(), second.Load())
	}
}

func TestScheduler_TaskErrorsAndPanicsAreLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ml := logger.NewMockLogger()
	s := newScheduler(ctx, ml, nearMinute(100*time.Millisecond))

	_ = s.Add("fails", "* * * * *", func(context.Context) error { return errors.New("origin down") })
	_ = s.Add("panics", "* * * * *", func(context.Context) error { panic("boom") })

	deadline := time.Now().Add(2 * time.Second)
	for {
		warned, errored := len(ml.Warnings()), len(ml.Errors())
		if warned > 0 && errored > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a warning and an error, got %d/%d", warned, errored)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newScheduler(ctx, nil, nearMinute(200*time.Millisecond))

	var fired atomic.Int32
	_ = s.Add("check", "* * * * *", func(context.Context) error {
		fired.Add(1)
		return nil
	})
	cancel()
	time.Sleep(400 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("job fired after cancel")
	}
}
