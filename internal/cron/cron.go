package cron

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/warpdl/swdriver/pkg/logger"
)

const maxSleepCap = 60 * time.Second

var (
	ErrInvalidExpr = errors.New("invalid cron expression")
	ErrNoNextTick  = errors.New("cron expression never fires within a year")
)

// Task is the work a job does on each tick.
type Task func(ctx context.Context) error

type job struct {
	name    string
	expr    string
	task    Task
	running atomic.Bool
}

// Scheduler fires registered jobs on their cron schedule. A job that is
// still running when its next tick comes around is skipped for that tick.
type Scheduler struct {
	ctx context.Context
	log logger.Logger
	now func() time.Time
	ops chan op
}

// op is an add (add != nil) or a removal by name. Both travel on one
// channel so they apply in call order.
type op struct {
	add    *firing
	remove string
}

// New starts a scheduler whose goroutine exits when ctx is canceled.
func New(ctx context.Context, l logger.Logger) *Scheduler {
	return newScheduler(ctx, l, time.Now)
}

func newScheduler(ctx context.Context, l logger.Logger, now func() time.Time) *Scheduler {
	if l == nil {
		l = logger.NewNopLogger()
	}
	s := &Scheduler{
		ctx: ctx,
		log: l,
		now: now,
		ops: make(chan op, 16),
	}
	go s.run()
	return s
}

// Validate checks that expr parses and fires at least once a year.
func Validate(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidExpr, expr)
	}
	from := time.Now()
	next, err := Next(expr, from)
	if err != nil {
		return err
	}
	if !next.Before(from.Add(365 * 24 * time.Hour)) {
		return fmt.Errorf("%w: %q", ErrNoNextTick, expr)
	}
	return nil
}

// Next returns the first tick of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, from, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, expr, err)
	}
	return next, nil
}

// Add registers task under name. Adding a name again replaces the job.
func (s *Scheduler) Add(name, expr string, task Task) error {
	if err := Validate(expr); err != nil {
		return err
	}
	next, err := Next(expr, s.now())
	if err != nil {
		return err
	}
	s.send(op{add: &firing{job: &job{name: name, expr: expr, task: task}, at: next}})
	return nil
}

// Remove drops the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.send(op{remove: name})
}

func (s *Scheduler) send(o op) {
	select {
	case s.ops <- o:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) run() {
	h := &firingHeap{}
	heap.Init(h)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := (*h)[0].at.Sub(s.now())
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := resetTimer()
	for {
		select {
		case <-s.ctx.Done():
			return

		case o := <-s.ops:
			if o.add != nil {
				heapRemove(h, o.add.job.name)
				heapPush(h, *o.add)
			} else {
				heapRemove(h, o.remove)
			}
			timerCh = resetTimer()

		case <-timerCh:
			now := s.now()
			for h.Len() > 0 && !(*h)[0].at.After(now) {
				f := heapPop(h)
				s.fire(f.job)
				next, err := Next(f.job.expr, now)
				if err != nil {
					s.log.Error("cron job %s: %v", f.job.name, err)
					continue
				}
				heapPush(h, firing{job: f.job, at: next})
			}
			timerCh = resetTimer()
		}
	}
}

func (s *Scheduler) fire(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		s.log.Warning("cron job %s still running, skipping tick", j.name)
		return
	}
	go func() {
		defer j.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in cron job %s: %v\n%s", j.name, r, debug.Stack())
			}
		}()
		if err := j.task(s.ctx); err != nil {
			s.log.Warning("cron job %s failed: %v", j.name, err)
		}
	}()
}
